package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/artdb/artdb/core/database"
	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
)

// shell executes one command line at a time against an open database.
type shell struct {
	db         *database.Database
	out        io.Writer
	backupRate int64
}

// exec runs args and reports whether the shell should exit.
func (sh *shell) exec(args []string) bool {
	ctx := context.Background()
	command := strings.ToLower(args[0])

	var err error
	switch command {
	case "put":
		err = sh.put(ctx, args[1:])
	case "get":
		err = sh.get(ctx, args[1:])
	case "del", "delete":
		err = sh.del(ctx, args[1:])
	case "scan":
		err = sh.scan(ctx, args[1:])
	case "stats":
		err = sh.stats()
	case "flush":
		if err = sh.db.Flush(); err == nil {
			fmt.Fprintln(sh.out, "OK")
		}
	case "backup":
		err = sh.backup(ctx, args[1:])
	case "tree":
		fmt.Fprint(sh.out, sh.db.Tree().String())
	case "check":
		if err = sh.db.Tree().Check(); err == nil {
			fmt.Fprintln(sh.out, "OK")
		}
	case "help":
		sh.help()
	case "exit", "quit":
		return true
	default:
		err = fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}

	switch {
	case errors.Is(err, flushmanager.ErrKeyNotFound):
		fmt.Fprintln(sh.out, "NOT FOUND")
	case err != nil:
		fmt.Fprintf(sh.out, "Error: %v\n", err)
	}
	return false
}

func parseID(args []string, usage string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q: %w", args[0], err)
	}
	return uint32(id), nil
}

func (sh *shell) put(ctx context.Context, args []string) error {
	const usage = "put <id> <field>=<value>..."
	id, err := parseID(args, usage)
	if err != nil {
		return err
	}
	rec := pagemanager.NewRecord(id)
	for _, kv := range args[1:] {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid field %q, usage: %s", kv, usage)
		}
		rec.PutField(name, value)
	}
	if err := sh.db.Store().Put(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "OK")
	return nil
}

func (sh *shell) get(ctx context.Context, args []string) error {
	id, err := parseID(args, "get <id>")
	if err != nil {
		return err
	}
	rec, err := sh.db.Store().Get(ctx, id)
	if err != nil {
		return err
	}
	sh.printRecord(rec)
	return nil
}

func (sh *shell) del(ctx context.Context, args []string) error {
	id, err := parseID(args, "del <id>")
	if err != nil {
		return err
	}
	if err := sh.db.Store().Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "OK")
	return nil
}

func (sh *shell) scan(ctx context.Context, args []string) error {
	limit := -1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("usage: scan [limit]")
		}
		limit = n
	}
	count := 0
	err := sh.db.Store().Scan(ctx, func(rec pagemanager.Record) bool {
		if count == limit {
			return false
		}
		sh.printRecord(rec)
		count++
		return true
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d record(s)\n", count)
	return nil
}

func (sh *shell) backup(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: backup <path> [bytes/sec]")
	}
	rate := sh.backupRate
	if len(args) > 1 {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid rate %q", args[1])
		}
		rate = n
	}
	res, err := sh.db.Backup(ctx, args[0], rate)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "wrote %d bytes to %s (sha256 %s)\n", res.Bytes, args[0], res.SHA256)
	return nil
}

func (sh *shell) printRecord(rec pagemanager.Record) {
	parts := make([]string, 0, len(rec.Fields))
	for _, f := range rec.Fields {
		parts = append(parts, fmt.Sprintf("%s=%q", f.Name, f.Value))
	}
	fmt.Fprintf(sh.out, "%d: %s\n", rec.ID, strings.Join(parts, " "))
}

func (sh *shell) stats() error {
	s, err := sh.db.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "file:        %s (%s)\n", s.Path, s.FileID)
	fmt.Fprintf(sh.out, "pages:       %d\n", s.Pages)
	fmt.Fprintf(sh.out, "records:     %d\n", s.Records)
	fmt.Fprintf(sh.out, "btree:       order %d, height %d, root page %d\n", s.Order, s.Height, s.RootPageID)
	fmt.Fprintf(sh.out, "buffer pool: %d/%d resident, %d pinned, %d dirty\n",
		s.Pool.Resident, s.Pool.Capacity, s.Pool.Pinned, s.Pool.Dirty)
	return nil
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, "Commands:")
	fmt.Fprintln(sh.out, "  put <id> <field>=<value>...   insert or replace a record")
	fmt.Fprintln(sh.out, "  get <id>")
	fmt.Fprintln(sh.out, "  del <id>")
	fmt.Fprintln(sh.out, "  scan [limit]                  records in id order")
	fmt.Fprintln(sh.out, "  stats")
	fmt.Fprintln(sh.out, "  flush                         write dirty pages to disk")
	fmt.Fprintln(sh.out, "  backup <path> [bytes/sec]     copy the data file")
	fmt.Fprintln(sh.out, "  tree                          dump the index")
	fmt.Fprintln(sh.out, "  check                         verify the index structure")
	fmt.Fprintln(sh.out, "  help")
	fmt.Fprintln(sh.out, "  exit / quit")
}
