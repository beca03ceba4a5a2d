package tree

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

const listInternalPrefix = "OL" + types.SeparatorLevel1

// listNode is one object of a size-bounded multiway list. A leaf holds its
// elements inline, an internal node references sub-lists with their sizes.
type listNode struct {
	leaf     bool
	elements []string
	children []listChild
}

type listChild struct {
	size int
	hash types.Hash
}

func (n *listNode) size() int {
	if n.leaf {
		return len(n.elements)
	}
	total := 0
	for _, c := range n.children {
		total += c.size
	}
	return total
}

func (n *listNode) serialize() string {
	if n.leaf {
		escaped := make([]string, len(n.elements))
		for i, e := range n.elements {
			escaped[i] = types.Escape(e)
		}
		return strings.Join(escaped, types.SeparatorLevel2)
	}
	parts := make([]string, len(n.children))
	for i, c := range n.children {
		parts[i] = strconv.Itoa(c.size) + types.SeparatorMapping + c.hash.String()
	}
	return listInternalPrefix + strings.Join(parts, types.SeparatorLevel2)
}

func parseListNode(s string) (*listNode, error) {
	if strings.HasPrefix(s, listInternalPrefix) {
		body := s[len(listInternalPrefix):]
		if body == "" {
			return nil, fmt.Errorf("internal list node without children")
		}
		parts := strings.Split(body, types.SeparatorLevel2)
		n := &listNode{children: make([]listChild, len(parts))}
		for i, p := range parts {
			size, hash, ok := strings.Cut(p, types.SeparatorMapping)
			if !ok {
				return nil, fmt.Errorf("list entry %q without size", p)
			}
			sz, err := strconv.Atoi(size)
			if err != nil || sz <= 0 {
				return nil, fmt.Errorf("list entry %q with invalid size", p)
			}
			h, err := types.ParseHash(hash)
			if err != nil {
				return nil, err
			}
			n.children[i] = listChild{size: sz, hash: h}
		}
		return n, nil
	}
	n := &listNode{leaf: true}
	if s == "" {
		return n, nil
	}
	parts := strings.Split(s, types.SeparatorLevel2)
	n.elements = make([]string, len(parts))
	for i, p := range parts {
		e, err := types.Unescape(p)
		if err != nil {
			return nil, err
		}
		if e == "" {
			return nil, ErrEmptyElement
		}
		n.elements[i] = e
	}
	return n, nil
}

func (o objects) loadList(ctx context.Context, h types.Hash) (*listNode, error) {
	return loadDecoded(ctx, o, h, parseListNode)
}

func (o objects) storeList(n *listNode) listChild {
	return listChild{size: n.size(), hash: o.add(n.serialize())}
}

func checkElements(elements []string) error {
	for _, e := range elements {
		if e == "" {
			return ErrEmptyElement
		}
	}
	return nil
}

// buildList creates a list from scratch: up to maxNodeSize elements form a
// leaf, larger inputs are split into chunks of max(ceil(n/max), max)
// elements.
func (o objects) buildList(elements []string) listChild {
	limit := o.graph.maxNodeSize
	if len(elements) <= limit {
		return o.storeList(&listNode{leaf: true, elements: append([]string(nil), elements...)})
	}
	chunk := (len(elements) + limit - 1) / limit
	if chunk < limit {
		chunk = limit
	}
	n := &listNode{}
	for i := 0; i < len(elements); i += chunk {
		end := i + chunk
		if end > len(elements) {
			end = len(elements)
		}
		n.children = append(n.children, o.buildList(elements[i:end]))
	}
	return o.storeList(n)
}

func (o objects) listElements(ctx context.Context, h types.Hash) ([]string, error) {
	n, err := o.loadList(ctx, h)
	if err != nil {
		return nil, err
	}
	if n.leaf {
		return append([]string(nil), n.elements...), nil
	}
	var out []string
	for _, c := range n.children {
		sub, err := o.listElements(ctx, c.hash)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (o objects) listSize(ctx context.Context, h types.Hash) (int, error) {
	n, err := o.loadList(ctx, h)
	if err != nil {
		return 0, err
	}
	return n.size(), nil
}

func (o objects) listGet(ctx context.Context, h types.Hash, index int) (string, error) {
	n, err := o.loadList(ctx, h)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= n.size() {
		return "", fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, n.size())
	}
	for !n.leaf {
		var next types.Hash
		for _, c := range n.children {
			if index < c.size {
				next = c.hash
				break
			}
			index -= c.size
		}
		n, err = o.loadList(ctx, next)
		if err != nil {
			return "", err
		}
	}
	return n.elements[index], nil
}

// listInsert inserts e at index (0 <= index <= size) and returns the new
// root. Only the path to the touched leaf is rewritten, overflowing nodes
// split in two.
func (o objects) listInsert(ctx context.Context, h types.Hash, index int, e string) (types.Hash, error) {
	if e == "" {
		return "", ErrEmptyElement
	}
	root, err := o.loadList(ctx, h)
	if err != nil {
		return "", err
	}
	if index < 0 || index > root.size() {
		return "", fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, root.size())
	}
	parts, err := o.insertInto(ctx, root, index, e)
	if err != nil {
		return "", err
	}
	if len(parts) == 1 {
		return parts[0].hash, nil
	}
	return o.storeList(&listNode{children: parts}).hash, nil
}

func (o objects) insertInto(ctx context.Context, n *listNode, index int, e string) ([]listChild, error) {
	limit := o.graph.maxNodeSize
	if n.leaf {
		elements := make([]string, 0, len(n.elements)+1)
		elements = append(elements, n.elements[:index]...)
		elements = append(elements, e)
		elements = append(elements, n.elements[index:]...)
		if len(elements) <= limit {
			return []listChild{o.storeList(&listNode{leaf: true, elements: elements})}, nil
		}
		half := len(elements) / 2
		return []listChild{
			o.storeList(&listNode{leaf: true, elements: elements[:half:half]}),
			o.storeList(&listNode{leaf: true, elements: elements[half:]}),
		}, nil
	}

	pos := len(n.children) - 1
	for i, c := range n.children {
		if index <= c.size {
			pos = i
			break
		}
		index -= c.size
	}
	child, err := o.loadList(ctx, n.children[pos].hash)
	if err != nil {
		return nil, err
	}
	replaced, err := o.insertInto(ctx, child, index, e)
	if err != nil {
		return nil, err
	}
	children := make([]listChild, 0, len(n.children)+1)
	children = append(children, n.children[:pos]...)
	children = append(children, replaced...)
	children = append(children, n.children[pos+1:]...)
	if len(children) <= limit {
		return []listChild{o.storeList(&listNode{children: children})}, nil
	}
	half := len(children) / 2
	return []listChild{
		o.storeList(&listNode{children: children[:half:half]}),
		o.storeList(&listNode{children: children[half:]}),
	}, nil
}

// listRemove removes the element at index and returns the new root. Empty
// sub-lists are dropped and a root with a single internal child collapses.
func (o objects) listRemove(ctx context.Context, h types.Hash, index int) (types.Hash, error) {
	root, err := o.loadList(ctx, h)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= root.size() {
		return "", fmt.Errorf("%w: remove at %d of %d", ErrIndexOutOfRange, index, root.size())
	}
	n, err := o.removeFrom(ctx, root, index)
	if err != nil {
		return "", err
	}
	for !n.leaf && len(n.children) == 1 {
		n, err = o.loadList(ctx, n.children[0].hash)
		if err != nil {
			return "", err
		}
	}
	if !n.leaf && len(n.children) == 0 {
		n = &listNode{leaf: true}
	}
	return o.add(n.serialize()), nil
}

func (o objects) removeFrom(ctx context.Context, n *listNode, index int) (*listNode, error) {
	if n.leaf {
		elements := make([]string, 0, len(n.elements)-1)
		elements = append(elements, n.elements[:index]...)
		elements = append(elements, n.elements[index+1:]...)
		return &listNode{leaf: true, elements: elements}, nil
	}
	children := make([]listChild, 0, len(n.children))
	for i, c := range n.children {
		if index >= c.size {
			index -= c.size
			children = append(children, c)
			continue
		}
		child, err := o.loadList(ctx, c.hash)
		if err != nil {
			return nil, err
		}
		updated, err := o.removeFrom(ctx, child, index)
		if err != nil {
			return nil, err
		}
		if updated.size() > 0 {
			children = append(children, o.storeList(updated))
		}
		children = append(children, n.children[i+1:]...)
		break
	}
	return &listNode{children: children}, nil
}

// listSet replaces the element at index.
func (o objects) listSet(ctx context.Context, h types.Hash, index int, e string) (types.Hash, error) {
	if e == "" {
		return "", ErrEmptyElement
	}
	n, err := o.loadList(ctx, h)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= n.size() {
		return "", fmt.Errorf("%w: set at %d of %d", ErrIndexOutOfRange, index, n.size())
	}
	updated, err := o.setIn(ctx, n, index, e)
	if err != nil {
		return "", err
	}
	return o.add(updated.serialize()), nil
}

func (o objects) setIn(ctx context.Context, n *listNode, index int, e string) (*listNode, error) {
	if n.leaf {
		elements := append([]string(nil), n.elements...)
		elements[index] = e
		return &listNode{leaf: true, elements: elements}, nil
	}
	children := append([]listChild(nil), n.children...)
	for i, c := range children {
		if index >= c.size {
			index -= c.size
			continue
		}
		child, err := o.loadList(ctx, c.hash)
		if err != nil {
			return nil, err
		}
		updated, err := o.setIn(ctx, child, index, e)
		if err != nil {
			return nil, err
		}
		children[i] = o.storeList(updated)
		break
	}
	return &listNode{children: children}, nil
}

// List is a read handle on a stored or staged list.
type List struct {
	objects
	hash types.Hash
}

func (l *List) Hash() types.Hash {
	return l.hash
}

func (l *List) Size(ctx context.Context) (int, error) {
	return l.listSize(ctx, l.hash)
}

func (l *List) Get(ctx context.Context, index int) (string, error) {
	return l.listGet(ctx, l.hash, index)
}

func (l *List) Elements(ctx context.Context) ([]string, error) {
	return l.listElements(ctx, l.hash)
}

func (l *List) Insert(ctx context.Context, index int, e string) (*List, error) {
	h, err := l.listInsert(ctx, l.hash, index, e)
	if err != nil {
		return nil, err
	}
	return &List{objects: l.objects, hash: h}, nil
}

func (l *List) Remove(ctx context.Context, index int) (*List, error) {
	h, err := l.listRemove(ctx, l.hash, index)
	if err != nil {
		return nil, err
	}
	return &List{objects: l.objects, hash: h}, nil
}

func (l *List) Set(ctx context.Context, index int, e string) (*List, error) {
	h, err := l.listSet(ctx, l.hash, index, e)
	if err != nil {
		return nil, err
	}
	return &List{objects: l.objects, hash: h}, nil
}

// NewList stages a list built from elements.
func (s *Session) NewList(elements []string) (*List, error) {
	if err := checkElements(elements); err != nil {
		return nil, err
	}
	return &List{objects: s.objects, hash: s.buildList(elements).hash}, nil
}

// OpenList returns a handle on the list stored under h.
func (s *Session) OpenList(h types.Hash) *List {
	return &List{objects: s.objects, hash: h}
}
