package btree

import (
	"fmt"
	"math"
	"strings"

	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
)

// checker carries the state of one structural walk.
type checker struct {
	bt        *BTree
	leafDepth int
	leaves    []pagemanager.PageID
	nextOf    map[pagemanager.PageID]pagemanager.PageID
}

// Check walks the whole tree and verifies its structural invariants: keys
// strictly ascending inside each node and within their separator bounds, at
// most order keys per node, len(children) == len(keys)+1, all leaves at the
// same depth, and a leaf chain that visits the leaves left to right.
func (bt *BTree) Check() error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	c := &checker{bt: bt, leafDepth: -1, nextOf: make(map[pagemanager.PageID]pagemanager.PageID)}
	if err := c.walk(bt.rootPageID, 0, 0, math.MaxUint32+1); err != nil {
		return err
	}
	for i, id := range c.leaves {
		want := pagemanager.InvalidPageID
		if i+1 < len(c.leaves) {
			want = c.leaves[i+1]
		}
		if c.nextOf[id] != want {
			return fmt.Errorf("%w: leaf %d links to %d, expected %d", flushmanager.ErrCorruptPage, id, c.nextOf[id], want)
		}
	}
	return nil
}

// walk checks the subtree at pageID whose keys must lie in [lo, hi).
func (c *checker) walk(pageID pagemanager.PageID, depth int, lo, hi uint64) error {
	if depth >= maxHeight {
		return fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrCorruptPage, maxHeight)
	}
	bp, err := c.bt.bpm.GetPage(pageID)
	if err != nil {
		return err
	}

	var keys []uint32
	switch n := bp.Page().(type) {
	case *pagemanager.LeafNode:
		keys = n.Keys
	case *pagemanager.InternalNode:
		keys = n.Keys
	default:
		return corruptNode(pageID, bp.Page())
	}
	if len(keys) > c.bt.order {
		return fmt.Errorf("%w: page %d holds %d keys, order is %d", flushmanager.ErrCorruptPage, pageID, len(keys), c.bt.order)
	}
	for i, k := range keys {
		if uint64(k) < lo || uint64(k) >= hi {
			return fmt.Errorf("%w: page %d key %d outside [%d, %d)", flushmanager.ErrCorruptPage, pageID, k, lo, hi)
		}
		if i > 0 && keys[i-1] >= k {
			return fmt.Errorf("%w: page %d keys not strictly ascending at %d", flushmanager.ErrCorruptPage, pageID, i)
		}
	}

	switch n := bp.Page().(type) {
	case *pagemanager.LeafNode:
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			return fmt.Errorf("%w: leaf %d at depth %d, other leaves at %d", flushmanager.ErrCorruptPage, pageID, depth, c.leafDepth)
		}
		c.leaves = append(c.leaves, pageID)
		c.nextOf[pageID] = n.Next
		return nil

	case *pagemanager.InternalNode:
		if len(n.Children) != len(n.Keys)+1 {
			return fmt.Errorf("%w: page %d has %d keys and %d children", flushmanager.ErrCorruptPage, pageID, len(n.Keys), len(n.Children))
		}
		// Copy before descending: the walk may evict this page.
		children := append([]pagemanager.PageID(nil), n.Children...)
		bounds := append([]uint32(nil), n.Keys...)
		for i, child := range children {
			childLo, childHi := lo, hi
			if i > 0 {
				childLo = uint64(bounds[i-1])
			}
			if i < len(bounds) {
				childHi = uint64(bounds[i])
			}
			if err := c.walk(child, depth+1, childLo, childHi); err != nil {
				return err
			}
		}
	}
	return nil
}

// String renders the tree one node per line, indented by level.
func (bt *BTree) String() string {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "BTree (order %d, root %d)\n", bt.order, bt.rootPageID)
	if err := bt.dump(&sb, bt.rootPageID, 0); err != nil {
		fmt.Fprintf(&sb, "error: %v\n", err)
	}
	return sb.String()
}

func (bt *BTree) dump(sb *strings.Builder, pageID pagemanager.PageID, level int) error {
	if level >= maxHeight {
		return fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrCorruptPage, maxHeight)
	}
	bp, err := bt.bpm.GetPage(pageID)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", level)
	switch n := bp.Page().(type) {
	case *pagemanager.LeafNode:
		fmt.Fprintf(sb, "%sleaf %d keys=%v next=%s\n", indent, pageID, n.Keys, pageIDString(n.Next))
	case *pagemanager.InternalNode:
		fmt.Fprintf(sb, "%sinternal %d keys=%v\n", indent, pageID, n.Keys)
		children := append([]pagemanager.PageID(nil), n.Children...)
		for _, child := range children {
			if err := bt.dump(sb, child, level+1); err != nil {
				return err
			}
		}
	default:
		return corruptNode(pageID, bp.Page())
	}
	return nil
}

func pageIDString(id pagemanager.PageID) string {
	if id == pagemanager.InvalidPageID {
		return "-"
	}
	return fmt.Sprint(uint64(id))
}
