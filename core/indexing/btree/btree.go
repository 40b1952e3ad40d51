package btree

import (
	"fmt"
	"slices"
	"sync"

	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	"github.com/artdb/artdb/core/write_engine/memtable"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- Configuration & Constants ---

const (
	Magic         uint32 = 0xA47DB001
	FormatVersion uint16 = 1

	MinOrder     = 3
	DefaultOrder = 64
	// MaxOrder is the largest order whose full leaf or internal node still
	// encodes into one page (frame overhead 9 bytes, node header 10 bytes,
	// 12 bytes per key).
	MaxOrder = (pagemanager.PageSize - 19) / 12

	// maxHeight bounds every descent so a cyclic child pointer on disk is
	// reported as corruption instead of looping forever.
	maxHeight = 64
)

// --- BTree ---

// BTree is a B+Tree mapping uint32 keys to uint64 values. Nodes live in pages
// owned by the buffer pool; page 0 holds the meta page that records the root.
//
// A single tree-level RWMutex serializes writers against readers.
type BTree struct {
	mu         sync.RWMutex
	bpm        *memtable.BufferPoolManager
	rootPageID pagemanager.PageID
	order      int
	fileID     uuid.UUID
	logger     *zap.Logger
}

// Open attaches a tree to the pool's data file. An empty file is initialized
// with a meta page and an empty root leaf; otherwise the meta page is loaded
// and the order stored there takes precedence over order.
func Open(bpm *memtable.BufferPoolManager, order int, logger *zap.Logger) (*BTree, error) {
	if bpm == nil {
		return nil, fmt.Errorf("btree: buffer pool manager cannot be nil")
	}
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bt := &BTree{
		bpm:        bpm,
		rootPageID: pagemanager.InvalidPageID,
		order:      order,
		logger:     logger.Named("btree"),
	}

	var err error
	if bpm.Disk().NumPages() == 0 {
		err = bt.initialize()
	} else {
		err = bt.load()
	}
	if err != nil {
		return nil, err
	}
	bt.logger.Info("btree opened",
		zap.Uint64("root_page_id", uint64(bt.rootPageID)),
		zap.Int("order", bt.order),
		zap.String("file_id", bt.fileID.String()))
	return bt, nil
}

func validateOrder(order int) error {
	if order < MinOrder || order > MaxOrder {
		return fmt.Errorf("%w: got %d, max %d", flushmanager.ErrInvalidOrder, order, MaxOrder)
	}
	return nil
}

// initialize writes the meta page and an empty root leaf to a fresh file. The
// root is persisted before the meta page that points at it.
func (bt *BTree) initialize() error {
	bt.fileID = uuid.New()
	meta := &pagemanager.MetaPage{
		Magic:      Magic,
		Version:    FormatVersion,
		PageSize:   pagemanager.PageSize,
		Order:      uint16(bt.order),
		RootPageID: pagemanager.InvalidPageID,
		FileID:     bt.fileID,
	}
	metaBP, err := bt.bpm.NewPage(meta)
	if err != nil {
		return fmt.Errorf("allocating meta page: %w", err)
	}
	defer bt.unpin(metaBP)
	if metaBP.ID() != pagemanager.MetaPageID {
		return fmt.Errorf("%w: meta page allocated at %d on a fresh file", flushmanager.ErrCorruptPage, metaBP.ID())
	}

	rootBP, err := bt.bpm.NewPage(pagemanager.NewLeafNode())
	if err != nil {
		return fmt.Errorf("allocating root leaf: %w", err)
	}
	defer bt.unpin(rootBP)

	if err := bt.bpm.FlushPage(rootBP.ID()); err != nil {
		return fmt.Errorf("persisting root leaf: %w", err)
	}
	meta.RootPageID = rootBP.ID()
	if err := bt.bpm.FlushPage(metaBP.ID()); err != nil {
		return fmt.Errorf("persisting meta page: %w", err)
	}
	bt.rootPageID = rootBP.ID()
	bt.logger.Debug("initialized new tree", zap.Uint64("root_page_id", uint64(bt.rootPageID)))
	return nil
}

func (bt *BTree) load() error {
	meta, err := bt.metaPage()
	if err != nil {
		return err
	}
	if meta.Magic != Magic {
		return fmt.Errorf("%w: found %#x", flushmanager.ErrBadMagic, meta.Magic)
	}
	if meta.Version > FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", flushmanager.ErrCorruptPage, meta.Version)
	}
	if meta.PageSize != pagemanager.PageSize {
		return fmt.Errorf("%w: file page size %d, expected %d", flushmanager.ErrCorruptPage, meta.PageSize, pagemanager.PageSize)
	}
	if err := validateOrder(int(meta.Order)); err != nil {
		return fmt.Errorf("%w: stored order: %w", flushmanager.ErrCorruptPage, err)
	}
	if meta.RootPageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: meta page has no root", flushmanager.ErrCorruptPage)
	}

	if int(meta.Order) != bt.order {
		bt.logger.Info("using order stored in file",
			zap.Int("requested", bt.order), zap.Uint16("stored", meta.Order))
	}
	bt.order = int(meta.Order)
	bt.rootPageID = meta.RootPageID
	bt.fileID = uuid.UUID(meta.FileID)
	return nil
}

func (bt *BTree) metaPage() (*pagemanager.MetaPage, error) {
	bp, err := bt.bpm.GetPage(pagemanager.MetaPageID)
	if err != nil {
		return nil, fmt.Errorf("loading meta page: %w", err)
	}
	meta, ok := bp.Page().(*pagemanager.MetaPage)
	if !ok {
		return nil, fmt.Errorf("%w: page %d is a %s page, expected meta", flushmanager.ErrCorruptPage, pagemanager.MetaPageID, bp.Page().Kind())
	}
	return meta, nil
}

// setRoot records a new root in the meta page and persists it. The caller
// keeps the meta page pinned. The in-memory root moves even when the write
// fails; the meta page then stays dirty for the next flush.
func (bt *BTree) setRoot(rootPageID pagemanager.PageID) error {
	meta, err := bt.metaPage()
	if err != nil {
		return err
	}
	meta.RootPageID = rootPageID
	if err := bt.bpm.MarkDirty(pagemanager.MetaPageID); err != nil {
		return err
	}
	bt.rootPageID = rootPageID
	if err := bt.bpm.FlushPage(pagemanager.MetaPageID); err != nil {
		return fmt.Errorf("persisting meta page: %w", err)
	}
	return nil
}

func (bt *BTree) RootPageID() pagemanager.PageID {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.rootPageID
}

func (bt *BTree) Order() int        { return bt.order }
func (bt *BTree) FileID() uuid.UUID { return bt.fileID }

// Flush writes every dirty page of the pool back to disk.
func (bt *BTree) Flush() error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.bpm.FlushAllPages()
}

func (bt *BTree) unpin(bp *memtable.BufferPage) {
	if err := bt.bpm.UnpinPage(bp.ID()); err != nil {
		bt.logger.Error("failed to unpin page", zap.Uint64("page_id", uint64(bp.ID())), zap.Error(err))
	}
}

// --- Search ---

// childIndex returns the child to follow for key: the number of separators
// that are <= key.
func childIndex(keys []uint32, key uint32) int {
	idx, found := slices.BinarySearch(keys, key)
	if found {
		idx++
	}
	return idx
}

func corruptNode(pageID pagemanager.PageID, page pagemanager.Page) error {
	return fmt.Errorf("%w: page %d is a %s page, expected a tree node", flushmanager.ErrCorruptPage, pageID, page.Kind())
}

// findLeaf descends from the root to the leaf responsible for key. With pin
// set the leaf comes back pinned and the caller must unpin it; internal nodes
// are released on the way down.
func (bt *BTree) findLeaf(key uint32, pin bool) (*memtable.BufferPage, *pagemanager.LeafNode, error) {
	get := bt.bpm.GetPage
	if pin {
		get = bt.bpm.FetchPage
	}
	pageID := bt.rootPageID
	for depth := 0; depth < maxHeight; depth++ {
		bp, err := get(pageID)
		if err != nil {
			return nil, nil, err
		}
		switch n := bp.Page().(type) {
		case *pagemanager.InternalNode:
			pageID = n.Children[childIndex(n.Keys, key)]
		case *pagemanager.LeafNode:
			return bp, n, nil
		default:
			if pin {
				bt.unpin(bp)
			}
			return nil, nil, corruptNode(pageID, bp.Page())
		}
		if pin {
			bt.unpin(bp)
		}
	}
	return nil, nil, fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrCorruptPage, maxHeight)
}

// Search returns the value stored under key, or ErrKeyNotFound.
func (bt *BTree) Search(key uint32) (uint64, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	_, leaf, err := bt.findLeaf(key, false)
	if err != nil {
		return 0, err
	}
	if idx, found := slices.BinarySearch(leaf.Keys, key); found {
		return leaf.Values[idx], nil
	}
	return 0, flushmanager.ErrKeyNotFound
}

// --- Insert ---

// Insert stores value under key, replacing any existing value. A leaf that
// grows past order keys is split and the separator is pushed into its parent,
// cascading up to a new root when needed.
func (bt *BTree) Insert(key uint32, value uint64) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	var pinned []*memtable.BufferPage
	defer func() {
		for _, bp := range pinned {
			bt.unpin(bp)
		}
	}()

	// Pin the root-to-leaf path, remembering which child was taken at each level.
	var path []int
	pageID := bt.rootPageID
	for {
		if len(pinned) >= maxHeight {
			return fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrCorruptPage, maxHeight)
		}
		bp, err := bt.bpm.FetchPage(pageID)
		if err != nil {
			return fmt.Errorf("inserting key %d: %w", key, err)
		}
		pinned = append(pinned, bp)

		n, ok := bp.Page().(*pagemanager.InternalNode)
		if !ok {
			if _, isLeaf := bp.Page().(*pagemanager.LeafNode); !isLeaf {
				return corruptNode(pageID, bp.Page())
			}
			break
		}
		idx := childIndex(n.Keys, key)
		path = append(path, idx)
		pageID = n.Children[idx]
	}
	nodes := slices.Clone(pinned)
	leafBP := nodes[len(nodes)-1]
	leaf := leafBP.Page().(*pagemanager.LeafNode)

	pos, found := slices.BinarySearch(leaf.Keys, key)
	if found {
		leaf.Values[pos] = value
		return bt.bpm.MarkDirty(leafBP.ID())
	}

	// Reserve every page the split cascade will need before touching the
	// tree, so a full pool leaves the structure unchanged. A root split also
	// rewrites the meta page, which is pinned here as well.
	splits := 0
	for i := len(nodes) - 1; i >= 0 && nodeKeyCount(nodes[i]) >= bt.order; i-- {
		splits++
	}
	reserve := splits
	if splits == len(nodes) {
		reserve++ // new root
		metaBP, err := bt.bpm.FetchPage(pagemanager.MetaPageID)
		if err != nil {
			return fmt.Errorf("inserting key %d: reserving meta page: %w", key, err)
		}
		pinned = append(pinned, metaBP)
	}
	fresh := make([]*memtable.BufferPage, 0, reserve)
	for range reserve {
		bp, err := bt.bpm.NewPage(pagemanager.NewLeafNode())
		if err != nil {
			return fmt.Errorf("inserting key %d: reserving split pages: %w", key, err)
		}
		pinned = append(pinned, bp)
		fresh = append(fresh, bp)
	}

	leaf.Keys = slices.Insert(leaf.Keys, pos, key)
	leaf.Values = slices.Insert(leaf.Values, pos, value)
	if err := bt.bpm.MarkDirty(leafBP.ID()); err != nil {
		return err
	}
	if splits == 0 {
		return nil
	}

	sepKey, rightID := bt.splitLeaf(leafBP, fresh[0])
	next := 1
	for level := len(nodes) - 2; level >= 0; level-- {
		parentBP := nodes[level]
		parent := parentBP.Page().(*pagemanager.InternalNode)
		idx := path[level]
		parent.Keys = slices.Insert(parent.Keys, idx, sepKey)
		parent.Children = slices.Insert(parent.Children, idx+1, rightID)
		if err := bt.bpm.MarkDirty(parentBP.ID()); err != nil {
			return err
		}
		if len(parent.Keys) <= bt.order {
			return nil
		}
		sepKey, rightID = bt.splitInternal(parentBP, fresh[next])
		next++
	}

	return bt.growRoot(sepKey, rightID, fresh[next], append(nodes, fresh[:next]...))
}

func nodeKeyCount(bp *memtable.BufferPage) int {
	switch n := bp.Page().(type) {
	case *pagemanager.LeafNode:
		return len(n.Keys)
	case *pagemanager.InternalNode:
		return len(n.Keys)
	}
	return 0
}

// splitLeaf moves the upper half of the leaf into rightBP and links it into
// the leaf chain. It returns the separator (the first key of the right leaf).
func (bt *BTree) splitLeaf(leafBP, rightBP *memtable.BufferPage) (uint32, pagemanager.PageID) {
	leaf := leafBP.Page().(*pagemanager.LeafNode)
	mid := len(leaf.Keys) / 2

	right := &pagemanager.LeafNode{
		Keys:   slices.Clone(leaf.Keys[mid:]),
		Values: slices.Clone(leaf.Values[mid:]),
		Next:   leaf.Next,
	}
	leaf.Keys = slices.Clone(leaf.Keys[:mid])
	leaf.Values = slices.Clone(leaf.Values[:mid])
	leaf.Next = rightBP.ID()
	rightBP.SetPage(right)

	bt.logger.Debug("split leaf",
		zap.Uint64("page_id", uint64(leafBP.ID())),
		zap.Uint64("new_page_id", uint64(rightBP.ID())),
		zap.Uint32("separator", right.Keys[0]))
	return right.Keys[0], rightBP.ID()
}

// splitInternal moves the keys above the middle into rightBP and returns the
// middle key, which moves up to the parent and is kept in neither half.
func (bt *BTree) splitInternal(nodeBP, rightBP *memtable.BufferPage) (uint32, pagemanager.PageID) {
	node := nodeBP.Page().(*pagemanager.InternalNode)
	mid := len(node.Keys) / 2
	sep := node.Keys[mid]

	right := &pagemanager.InternalNode{
		Keys:     slices.Clone(node.Keys[mid+1:]),
		Children: slices.Clone(node.Children[mid+1:]),
	}
	node.Keys = slices.Clone(node.Keys[:mid])
	node.Children = slices.Clone(node.Children[:mid+1])
	rightBP.SetPage(right)

	bt.logger.Debug("split internal node",
		zap.Uint64("page_id", uint64(nodeBP.ID())),
		zap.Uint64("new_page_id", uint64(rightBP.ID())),
		zap.Uint32("separator", sep))
	return sep, rightBP.ID()
}

// growRoot installs a new internal root above the old one. Every page touched
// by the split is persisted first, then the new root, then the meta page.
func (bt *BTree) growRoot(sepKey uint32, rightID pagemanager.PageID, rootBP *memtable.BufferPage, touched []*memtable.BufferPage) error {
	rootBP.SetPage(&pagemanager.InternalNode{
		Keys:     []uint32{sepKey},
		Children: []pagemanager.PageID{bt.rootPageID, rightID},
	})
	if err := bt.bpm.MarkDirty(rootBP.ID()); err != nil {
		return err
	}

	for _, bp := range touched {
		if err := bt.bpm.FlushPage(bp.ID()); err != nil {
			return fmt.Errorf("persisting page %d before root split: %w", bp.ID(), err)
		}
	}
	if err := bt.bpm.FlushPage(rootBP.ID()); err != nil {
		return fmt.Errorf("persisting new root %d: %w", rootBP.ID(), err)
	}
	old := bt.rootPageID
	if err := bt.setRoot(rootBP.ID()); err != nil {
		return err
	}
	bt.logger.Debug("root split",
		zap.Uint64("old_root", uint64(old)),
		zap.Uint64("new_root", uint64(rootBP.ID())))
	return nil
}

// --- Delete ---

// Delete removes key from its leaf. Nodes are never merged or rebalanced, so
// a leaf may become empty and stay in the chain.
func (bt *BTree) Delete(key uint32) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	leafBP, leaf, err := bt.findLeaf(key, true)
	if err != nil {
		return err
	}
	defer bt.unpin(leafBP)

	idx, found := slices.BinarySearch(leaf.Keys, key)
	if !found {
		return flushmanager.ErrKeyNotFound
	}
	leaf.Keys = slices.Delete(leaf.Keys, idx, idx+1)
	leaf.Values = slices.Delete(leaf.Values, idx, idx+1)
	return bt.bpm.MarkDirty(leafBP.ID())
}
