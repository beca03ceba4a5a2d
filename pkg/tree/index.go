package tree

import (
	"context"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

// The node index maps node ids to node object hashes. It is a hash array
// mapped trie over the id bits, 5 bits per level. The shape only depends on
// the stored ids: an inner node that is left with a single leaf collapses
// into that leaf.

const (
	indexBitsPerLevel = 5
	indexLevelMask    = 1<<indexBitsPerLevel - 1
	indexMaxLevel     = 64 / indexBitsPerLevel

	indexLeafPrefix     = "L" + types.SeparatorLevel1
	indexInternalPrefix = "I" + types.SeparatorLevel1
)

type indexNode struct {
	leaf bool

	// leaf
	id       types.NodeID
	nodeHash types.Hash

	// internal
	bitmap   uint32
	children []types.Hash
}

func (n *indexNode) serialize() string {
	if n.leaf {
		return indexLeafPrefix + n.id.String() + types.SeparatorLevel1 + n.nodeHash.String()
	}
	children := make([]string, len(n.children))
	for i, c := range n.children {
		children[i] = c.String()
	}
	return indexInternalPrefix + strconv.FormatUint(uint64(n.bitmap), 16) + types.SeparatorLevel1 + strings.Join(children, types.SeparatorLevel2)
}

func parseIndexNode(s string) (*indexNode, error) {
	switch {
	case strings.HasPrefix(s, indexLeafPrefix):
		id, hash, ok := strings.Cut(s[len(indexLeafPrefix):], types.SeparatorLevel1)
		if !ok {
			return nil, fmt.Errorf("index leaf %q without hash", s)
		}
		nodeID, err := types.ParseNodeID(id)
		if err != nil {
			return nil, err
		}
		h, err := types.ParseHash(hash)
		if err != nil {
			return nil, err
		}
		return &indexNode{leaf: true, id: nodeID, nodeHash: h}, nil
	case strings.HasPrefix(s, indexInternalPrefix):
		bitmap, children, ok := strings.Cut(s[len(indexInternalPrefix):], types.SeparatorLevel1)
		if !ok {
			return nil, fmt.Errorf("index node %q without children", s)
		}
		bm, err := strconv.ParseUint(bitmap, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("index node bitmap %q: %w", bitmap, err)
		}
		n := &indexNode{bitmap: uint32(bm)}
		if children != "" {
			for _, c := range strings.Split(children, types.SeparatorLevel2) {
				h, err := types.ParseHash(c)
				if err != nil {
					return nil, err
				}
				n.children = append(n.children, h)
			}
		}
		if bits.OnesCount32(n.bitmap) != len(n.children) {
			return nil, fmt.Errorf("index node bitmap %x does not match %d children", n.bitmap, len(n.children))
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown index node %q", s)
}

func indexSlot(id types.NodeID, level int) uint32 {
	return uint32(uint64(id)>>(uint(level)*indexBitsPerLevel)) & indexLevelMask
}

func (n *indexNode) position(slot uint32) int {
	return bits.OnesCount32(n.bitmap & (1<<slot - 1))
}

func (n *indexNode) has(slot uint32) bool {
	return n.bitmap&(1<<slot) != 0
}

func (o objects) loadIndex(ctx context.Context, h types.Hash) (*indexNode, error) {
	return loadDecoded(ctx, o, h, parseIndexNode)
}

func (o objects) emptyIndex() types.Hash {
	return o.add((&indexNode{}).serialize())
}

func (o objects) indexGet(ctx context.Context, root types.Hash, id types.NodeID) (types.Hash, bool, error) {
	h := root
	for level := 0; level <= indexMaxLevel; level++ {
		n, err := o.loadIndex(ctx, h)
		if err != nil {
			return "", false, err
		}
		if n.leaf {
			if n.id == id {
				return n.nodeHash, true, nil
			}
			return "", false, nil
		}
		slot := indexSlot(id, level)
		if !n.has(slot) {
			return "", false, nil
		}
		h = n.children[n.position(slot)]
	}
	return "", false, fmt.Errorf("%w: index deeper than %d levels", ErrMalformedObject, indexMaxLevel)
}

func (o objects) indexPut(ctx context.Context, root types.Hash, id types.NodeID, nodeHash types.Hash) (types.Hash, error) {
	n, err := o.loadIndex(ctx, root)
	if err != nil {
		return "", err
	}
	updated, err := o.putAt(ctx, n, 0, id, nodeHash)
	if err != nil {
		return "", err
	}
	return o.add(updated.serialize()), nil
}

func (o objects) putAt(ctx context.Context, n *indexNode, level int, id types.NodeID, nodeHash types.Hash) (*indexNode, error) {
	leaf := &indexNode{leaf: true, id: id, nodeHash: nodeHash}
	slot := indexSlot(id, level)
	pos := n.position(slot)
	children := make([]types.Hash, 0, len(n.children)+1)
	children = append(children, n.children[:pos]...)

	if !n.has(slot) {
		children = append(children, o.add(leaf.serialize()))
		children = append(children, n.children[pos:]...)
		return &indexNode{bitmap: n.bitmap | 1<<slot, children: children}, nil
	}

	child, err := o.loadIndex(ctx, n.children[pos])
	if err != nil {
		return nil, err
	}
	var replacement *indexNode
	switch {
	case child.leaf && child.id == id:
		replacement = leaf
	case child.leaf:
		replacement, err = o.splitLeaves(level+1, child, leaf)
	default:
		replacement, err = o.putAt(ctx, child, level+1, id, nodeHash)
	}
	if err != nil {
		return nil, err
	}
	children = append(children, o.add(replacement.serialize()))
	children = append(children, n.children[pos+1:]...)
	return &indexNode{bitmap: n.bitmap, children: children}, nil
}

// splitLeaves builds the inner nodes needed to hold two leaves whose ids
// share all slots above level.
func (o objects) splitLeaves(level int, a, b *indexNode) (*indexNode, error) {
	if level > indexMaxLevel {
		return nil, fmt.Errorf("%w: ids %s and %s collide", ErrMalformedObject, a.id, b.id)
	}
	sa, sb := indexSlot(a.id, level), indexSlot(b.id, level)
	if sa == sb {
		inner, err := o.splitLeaves(level+1, a, b)
		if err != nil {
			return nil, err
		}
		return &indexNode{bitmap: 1 << sa, children: []types.Hash{o.add(inner.serialize())}}, nil
	}
	ha, hb := o.add(a.serialize()), o.add(b.serialize())
	if sa > sb {
		sa, sb = sb, sa
		ha, hb = hb, ha
	}
	return &indexNode{bitmap: 1<<sa | 1<<sb, children: []types.Hash{ha, hb}}, nil
}

func (o objects) indexRemove(ctx context.Context, root types.Hash, id types.NodeID) (types.Hash, error) {
	n, err := o.loadIndex(ctx, root)
	if err != nil {
		return "", err
	}
	updated, err := o.removeAt(ctx, n, 0, id)
	if err != nil {
		return "", err
	}
	if updated == nil {
		return o.emptyIndex(), nil
	}
	if updated.leaf {
		// the root stays an inner node
		return o.add((&indexNode{bitmap: 1 << indexSlot(updated.id, 0), children: []types.Hash{o.add(updated.serialize())}}).serialize()), nil
	}
	return o.add(updated.serialize()), nil
}

// removeAt returns the replacement for n: nil when it became empty, a leaf
// when a single leaf is left, or the rewritten inner node.
func (o objects) removeAt(ctx context.Context, n *indexNode, level int, id types.NodeID) (*indexNode, error) {
	slot := indexSlot(id, level)
	if !n.has(slot) {
		return n, nil
	}
	pos := n.position(slot)
	child, err := o.loadIndex(ctx, n.children[pos])
	if err != nil {
		return nil, err
	}

	var replacement *indexNode
	if child.leaf {
		if child.id != id {
			return n, nil
		}
	} else {
		replacement, err = o.removeAt(ctx, child, level+1, id)
		if err != nil {
			return nil, err
		}
	}

	bitmap := n.bitmap
	children := append([]types.Hash(nil), n.children[:pos]...)
	if replacement == nil {
		bitmap &^= 1 << slot
	} else {
		children = append(children, o.add(replacement.serialize()))
	}
	children = append(children, n.children[pos+1:]...)

	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		only, err := o.loadIndex(ctx, children[0])
		if err != nil {
			return nil, err
		}
		if only.leaf {
			return only, nil
		}
	}
	return &indexNode{bitmap: bitmap, children: children}, nil
}

// indexEntries calls fn for every id in the index.
func (o objects) indexEntries(ctx context.Context, root types.Hash, fn func(types.NodeID, types.Hash) error) error {
	n, err := o.loadIndex(ctx, root)
	if err != nil {
		return err
	}
	if n.leaf {
		return fn(n.id, n.nodeHash)
	}
	for _, c := range n.children {
		if err := o.indexEntries(ctx, c, fn); err != nil {
			return err
		}
	}
	return nil
}

// indexDiff reports every id whose node hash differs between two indexes.
// Sub-tries with equal hashes are skipped. Missing sides are reported with an
// empty hash.
func (o objects) indexDiff(ctx context.Context, oldRoot, newRoot types.Hash, fn func(id types.NodeID, oldHash, newHash types.Hash) error) error {
	oldEntries := make(map[types.NodeID]types.Hash)
	newEntries := make(map[types.NodeID]types.Hash)
	if err := o.collectDiff(ctx, oldRoot, newRoot, oldEntries, newEntries); err != nil {
		return err
	}
	for id, oh := range oldEntries {
		nh := newEntries[id]
		if oh != nh {
			if err := fn(id, oh, nh); err != nil {
				return err
			}
		}
	}
	for id, nh := range newEntries {
		if _, ok := oldEntries[id]; !ok {
			if err := fn(id, "", nh); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o objects) collectDiff(ctx context.Context, a, b types.Hash, oldEntries, newEntries map[types.NodeID]types.Hash) error {
	if a == b {
		return nil
	}
	collectAll := func(h types.Hash, into map[types.NodeID]types.Hash) error {
		if h == "" {
			return nil
		}
		return o.indexEntries(ctx, h, func(id types.NodeID, nh types.Hash) error {
			into[id] = nh
			return nil
		})
	}
	if a == "" || b == "" {
		if err := collectAll(a, oldEntries); err != nil {
			return err
		}
		return collectAll(b, newEntries)
	}
	na, err := o.loadIndex(ctx, a)
	if err != nil {
		return err
	}
	nb, err := o.loadIndex(ctx, b)
	if err != nil {
		return err
	}
	if na.leaf || nb.leaf {
		if err := collectAll(a, oldEntries); err != nil {
			return err
		}
		return collectAll(b, newEntries)
	}
	for slot := uint32(0); slot <= indexLevelMask; slot++ {
		var ca, cb types.Hash
		if na.has(slot) {
			ca = na.children[na.position(slot)]
		}
		if nb.has(slot) {
			cb = nb.children[nb.position(slot)]
		}
		if err := o.collectDiff(ctx, ca, cb, oldEntries, newEntries); err != nil {
			return err
		}
	}
	return nil
}
