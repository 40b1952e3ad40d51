package btree

import (
	"fmt"
	"slices"

	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
)

// Ascend calls fn for every entry with key >= from in ascending key order,
// walking the leaf chain. Iteration stops early when fn returns false.
// fn must not call back into the tree.
func (bt *BTree) Ascend(from uint32, fn func(key uint32, value uint64) bool) error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	leafBP, leaf, err := bt.findLeaf(from, false)
	if err != nil {
		return err
	}
	start, _ := slices.BinarySearch(leaf.Keys, from)
	seen := 0
	for {
		keys := slices.Clone(leaf.Keys[start:])
		values := slices.Clone(leaf.Values[start:])
		next := leaf.Next
		for i, k := range keys {
			if !fn(k, values[i]) {
				return nil
			}
		}
		if next == pagemanager.InvalidPageID {
			return nil
		}
		if seen++; seen > int(bt.bpm.Disk().NumPages()) {
			return fmt.Errorf("%w: leaf chain from page %d does not terminate", flushmanager.ErrCorruptPage, leafBP.ID())
		}

		bp, err := bt.bpm.GetPage(next)
		if err != nil {
			return err
		}
		var ok bool
		if leaf, ok = bp.Page().(*pagemanager.LeafNode); !ok {
			return fmt.Errorf("%w: leaf chain points at %s page %d", flushmanager.ErrCorruptPage, bp.Page().Kind(), next)
		}
		start = 0
	}
}

// Last returns the entry with the highest key, or ErrKeyNotFound when the
// tree is empty.
func (bt *BTree) Last() (uint32, uint64, error) {
	bt.mu.RLock()
	rightmost, err := bt.rightmostLeaf()
	bt.mu.RUnlock()
	if err != nil {
		return 0, 0, err
	}
	if n := len(rightmost.Keys); n > 0 {
		return rightmost.Keys[n-1], rightmost.Values[n-1], nil
	}

	// Deletes can empty the rightmost leaf; fall back to a full scan.
	var (
		lastKey   uint32
		lastValue uint64
		found     bool
	)
	err = bt.Ascend(0, func(k uint32, v uint64) bool {
		lastKey, lastValue, found = k, v, true
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, flushmanager.ErrKeyNotFound
	}
	return lastKey, lastValue, nil
}

func (bt *BTree) rightmostLeaf() (*pagemanager.LeafNode, error) {
	pageID := bt.rootPageID
	for depth := 0; depth < maxHeight; depth++ {
		bp, err := bt.bpm.GetPage(pageID)
		if err != nil {
			return nil, err
		}
		switch n := bp.Page().(type) {
		case *pagemanager.InternalNode:
			pageID = n.Children[len(n.Children)-1]
		case *pagemanager.LeafNode:
			return n, nil
		default:
			return nil, corruptNode(pageID, bp.Page())
		}
	}
	return nil, fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrCorruptPage, maxHeight)
}

// Len counts the stored entries by scanning the leaf chain.
func (bt *BTree) Len() (int, error) {
	n := 0
	err := bt.Ascend(0, func(uint32, uint64) bool {
		n++
		return true
	})
	return n, err
}

// Height returns the number of levels, 1 for a tree that is a single leaf.
func (bt *BTree) Height() (int, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	pageID := bt.rootPageID
	for height := 1; height <= maxHeight; height++ {
		bp, err := bt.bpm.GetPage(pageID)
		if err != nil {
			return 0, err
		}
		switch n := bp.Page().(type) {
		case *pagemanager.InternalNode:
			pageID = n.Children[0]
		case *pagemanager.LeafNode:
			return height, nil
		default:
			return 0, corruptNode(pageID, bp.Page())
		}
	}
	return 0, fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrCorruptPage, maxHeight)
}
