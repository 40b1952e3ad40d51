package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artdb/artdb/config"
	"github.com/artdb/artdb/core/database"
	"github.com/artdb/artdb/pkg/logger"
	"github.com/artdb/artdb/pkg/telemetry"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	dataFile   = flag.String("data", "", "Data file path (overrides the config file)")
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataFile != "" {
		cfg.Storage.DataFile = *dataFile
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(cfg.Storage, zlogger, tel)
	if err != nil {
		zlogger.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zlogger.Error("Failed to close database", zap.Error(err))
		}
	}()

	sh := &shell{db: db, out: os.Stdout, backupRate: cfg.Storage.BackupRateLimit}
	if args := flag.Args(); len(args) > 0 {
		sh.exec(args)
		return
	}
	if err := sh.interactive(historyPath(cfg.Storage.DataFile)); err != nil {
		zlogger.Error("Shell exited with error", zap.Error(err))
	}
}

func historyPath(dataFile string) string {
	return filepath.Join(filepath.Dir(dataFile), ".artdb_history")
}

func (sh *shell) interactive(history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "artdb> ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintln(sh.out, "artdb shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		start := time.Now()
		if quit := sh.exec(args); quit {
			return nil
		}
		fmt.Fprintf(sh.out, "(%s)\n", time.Since(start).Round(time.Microsecond))
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("scan"),
	readline.PcItem("stats"),
	readline.PcItem("flush"),
	readline.PcItem("backup"),
	readline.PcItem("tree"),
	readline.PcItem("check"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)
