package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

const treePrefix = "T" + types.SeparatorLevel1

// Tree is an immutable model tree. Edits return new Trees; the receiver stays
// valid and unchanged.
type Tree struct {
	objects
	hash  types.Hash
	id    string
	index types.Hash
}

func serializeTree(id string, index types.Hash) string {
	return treePrefix + types.Escape(id) + types.SeparatorLevel1 + index.String()
}

type treeData struct {
	id    string
	index types.Hash
}

func parseTree(s string) (treeData, error) {
	if !strings.HasPrefix(s, treePrefix) {
		return treeData{}, fmt.Errorf("not a tree object")
	}
	id, index, ok := strings.Cut(s[len(treePrefix):], types.SeparatorLevel1)
	if !ok {
		return treeData{}, fmt.Errorf("tree object without index")
	}
	treeID, err := types.Unescape(id)
	if err != nil {
		return treeData{}, err
	}
	h, err := types.ParseHash(index)
	if err != nil {
		return treeData{}, err
	}
	return treeData{id: treeID, index: h}, nil
}

// NewTree stages an empty tree that only holds the root node.
func (g *Graph) NewTree(treeID string) *Tree {
	o := objects{graph: g, pending: newPendingSet()}
	root := &NodeData{ID: types.RootID}
	rootHash := o.add(root.Serialize())
	index := o.add((&indexNode{
		bitmap:   1 << indexSlot(types.RootID, 0),
		children: []types.Hash{o.add((&indexNode{leaf: true, id: types.RootID, nodeHash: rootHash}).serialize())},
	}).serialize())
	return o.tree(treeID, index)
}

// LoadTree opens the tree stored under hash.
func (g *Graph) LoadTree(ctx context.Context, hash types.Hash) (*Tree, error) {
	return g.NewSession().LoadTree(ctx, hash)
}

// LoadTree opens a stored or staged tree within the session.
func (s *Session) LoadTree(ctx context.Context, hash types.Hash) (*Tree, error) {
	data, err := loadDecoded(ctx, s.objects, hash, parseTree)
	if err != nil {
		return nil, err
	}
	return &Tree{objects: s.objects, hash: hash, id: data.id, index: data.index}, nil
}

func (o objects) tree(id string, index types.Hash) *Tree {
	return &Tree{objects: o, hash: o.add(serializeTree(id, index)), id: id, index: index}
}

func (t *Tree) Hash() types.Hash {
	return t.hash
}

func (t *Tree) ID() string {
	return t.id
}

func (t *Tree) Graph() *Graph {
	return t.graph
}

// Flush stores every object of t that is only staged so far.
func (t *Tree) Flush(ctx context.Context) (int, error) {
	return t.flush(ctx, t.hash)
}

// Node returns the stored form of a node. The result must not be modified.
func (t *Tree) Node(ctx context.Context, id types.NodeID) (*NodeData, error) {
	h, found, err := t.indexGet(ctx, t.index, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return loadDecoded(ctx, t.objects, h, ParseNodeData)
}

// NodeHash returns the object hash of a node.
func (t *Tree) NodeHash(ctx context.Context, id types.NodeID) (types.Hash, bool, error) {
	return t.indexGet(ctx, t.index, id)
}

func (t *Tree) ContainsNode(ctx context.Context, id types.NodeID) (bool, error) {
	_, found, err := t.indexGet(ctx, t.index, id)
	return found, err
}

func (t *Tree) Concept(ctx context.Context, id types.NodeID) (string, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return "", err
	}
	return n.Concept, nil
}

func (t *Tree) Parent(ctx context.Context, id types.NodeID) (types.NodeID, string, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return 0, "", err
	}
	return n.ParentID, n.RoleInParent, nil
}

func (t *Tree) Property(ctx context.Context, id types.NodeID, role string) (string, bool, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return "", false, err
	}
	v, ok := n.Property(role)
	return v, ok, nil
}

func (t *Tree) Reference(ctx context.Context, id types.NodeID, role string) (types.NodeRef, bool, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return types.NodeRef{}, false, err
	}
	ref, ok := n.Reference(role)
	return ref, ok, nil
}

func (t *Tree) ChildRoles(ctx context.Context, id types.NodeID) ([]string, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	roles := make([]string, len(n.Children))
	for i, c := range n.Children {
		roles[i] = c.Role
	}
	return roles, nil
}

func (t *Tree) Children(ctx context.Context, id types.NodeID, role string) ([]types.NodeID, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	list, ok := n.childList(role)
	if !ok {
		return nil, nil
	}
	return t.childIDs(ctx, list)
}

// AllChildren returns the children of all roles, roles in sorted order.
func (t *Tree) AllChildren(ctx context.Context, id types.NodeID) ([]types.NodeID, error) {
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	var all []types.NodeID
	for _, c := range n.Children {
		ids, err := t.childIDs(ctx, c.List)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
	}
	return all, nil
}

func (t *Tree) childIDs(ctx context.Context, list types.Hash) ([]types.NodeID, error) {
	elements, err := t.listElements(ctx, list)
	if err != nil {
		return nil, err
	}
	ids := make([]types.NodeID, len(elements))
	for i, e := range elements {
		if ids[i], err = types.ParseNodeID(e); err != nil {
			return nil, fmt.Errorf("%w: child list %s: %v", ErrMalformedObject, list, err)
		}
	}
	return ids, nil
}

// ChildIndex returns the position of child in its parent's role list.
func (t *Tree) ChildIndex(ctx context.Context, child types.NodeID) (int, error) {
	n, err := t.Node(ctx, child)
	if err != nil {
		return 0, err
	}
	if n.ParentID == 0 {
		return 0, ErrRootNode
	}
	siblings, err := t.Children(ctx, n.ParentID, n.RoleInParent)
	if err != nil {
		return 0, err
	}
	for i, s := range siblings {
		if s == child {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s missing in its parent's list", ErrMalformedObject, child)
}

// Descendants returns the subtree below id in depth-first pre-order.
func (t *Tree) Descendants(ctx context.Context, id types.NodeID, includeSelf bool) ([]types.NodeID, error) {
	var out []types.NodeID
	if includeSelf {
		out = append(out, id)
	}
	children, err := t.AllChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := t.Descendants(ctx, c, true)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// Depth returns the number of ancestors of id.
func (t *Tree) Depth(ctx context.Context, id types.NodeID) (int, error) {
	depth := 0
	for {
		n, err := t.Node(ctx, id)
		if err != nil {
			return 0, err
		}
		if n.ParentID == 0 {
			return depth, nil
		}
		id = n.ParentID
		depth++
	}
}

// Entries calls fn for every node of the tree in no particular order.
func (t *Tree) Entries(ctx context.Context, fn func(id types.NodeID, nodeHash types.Hash) error) error {
	return t.indexEntries(ctx, t.index, fn)
}

// ChangedNodes reports every node whose object differs between t and other.
// Nodes missing on one side have an empty hash on that side.
func (t *Tree) ChangedNodes(ctx context.Context, other *Tree, fn func(id types.NodeID, oldHash, newHash types.Hash) error) error {
	return t.indexDiff(ctx, t.index, other.index, fn)
}

// putNode stores n and returns the new index root.
func (t *Tree) putNode(ctx context.Context, index types.Hash, n *NodeData) (types.Hash, error) {
	return t.indexPut(ctx, index, n.ID, t.add(n.Serialize()))
}

func (t *Tree) nodeIn(ctx context.Context, index types.Hash, id types.NodeID) (*NodeData, error) {
	h, found, err := t.indexGet(ctx, index, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return loadDecoded(ctx, t.objects, h, ParseNodeData)
}

func checkRole(role string) error {
	if role == "" {
		return ErrInvalidRole
	}
	return nil
}

// insertChild adds child to parent's role list at index; -1 appends.
func (t *Tree) insertChild(ctx context.Context, parent *NodeData, role string, index int, child types.NodeID) error {
	list, ok := parent.childList(role)
	if !ok {
		list = t.add((&listNode{leaf: true}).serialize())
	}
	size, err := t.listSize(ctx, list)
	if err != nil {
		return err
	}
	if index == -1 {
		index = size
	}
	if index < 0 || index > size {
		return fmt.Errorf("%w: index %d for %d children of %s in %q", ErrIndexOutOfRange, index, size, parent.ID, role)
	}
	updated, err := t.listInsert(ctx, list, index, child.String())
	if err != nil {
		return err
	}
	parent.setChildList(role, updated)
	return nil
}

func (t *Tree) removeChild(ctx context.Context, parent *NodeData, role string, child types.NodeID) error {
	list, ok := parent.childList(role)
	if !ok {
		return fmt.Errorf("%w: %s has no role %q", ErrMalformedObject, parent.ID, role)
	}
	ids, err := t.childIDs(ctx, list)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if id != child {
			continue
		}
		if len(ids) == 1 {
			parent.setChildList(role, "")
			return nil
		}
		updated, err := t.listRemove(ctx, list, i)
		if err != nil {
			return err
		}
		parent.setChildList(role, updated)
		return nil
	}
	return fmt.Errorf("%w: %s missing in %s.%q", ErrMalformedObject, child, parent.ID, role)
}

// AddNewChild creates a node under parent at index of role. Index -1
// appends.
func (t *Tree) AddNewChild(ctx context.Context, parentID types.NodeID, role string, index int, childID types.NodeID, concept string) (*Tree, error) {
	if err := checkRole(role); err != nil {
		return nil, err
	}
	if childID == 0 {
		return nil, fmt.Errorf("tree: invalid node id 0")
	}
	exists, err := t.ContainsNode(ctx, childID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, childID)
	}
	parent, err := t.Node(ctx, parentID)
	if err != nil {
		return nil, err
	}
	parent = parent.clone()
	if err := t.insertChild(ctx, parent, role, index, childID); err != nil {
		return nil, err
	}
	index2, err := t.putNode(ctx, t.index, parent)
	if err != nil {
		return nil, err
	}
	child := &NodeData{ID: childID, Concept: concept, ParentID: parentID, RoleInParent: role}
	index2, err = t.putNode(ctx, index2, child)
	if err != nil {
		return nil, err
	}
	return t.tree(t.id, index2), nil
}

// DeleteNode removes a node without children.
func (t *Tree) DeleteNode(ctx context.Context, id types.NodeID) (*Tree, error) {
	if id == types.RootID {
		return nil, ErrRootNode
	}
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(n.Children) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrHasChildren, id)
	}
	parent, err := t.Node(ctx, n.ParentID)
	if err != nil {
		return nil, err
	}
	parent = parent.clone()
	if err := t.removeChild(ctx, parent, n.RoleInParent, id); err != nil {
		return nil, err
	}
	index, err := t.putNode(ctx, t.index, parent)
	if err != nil {
		return nil, err
	}
	index, err = t.indexRemove(ctx, index, id)
	if err != nil {
		return nil, err
	}
	return t.tree(t.id, index), nil
}

// MoveNode moves id to index of newParent's role list. The index is the
// final position, counted after the node left its old slot. -1 appends.
func (t *Tree) MoveNode(ctx context.Context, id, newParentID types.NodeID, role string, index int) (*Tree, error) {
	if err := checkRole(role); err != nil {
		return nil, err
	}
	if id == types.RootID {
		return nil, ErrRootNode
	}
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := t.Node(ctx, newParentID); err != nil {
		return nil, err
	}
	for ancestor := newParentID; ancestor != 0; {
		if ancestor == id {
			return nil, fmt.Errorf("%w: %s below %s", ErrCycle, id, newParentID)
		}
		a, err := t.Node(ctx, ancestor)
		if err != nil {
			return nil, err
		}
		ancestor = a.ParentID
	}

	oldParent, err := t.Node(ctx, n.ParentID)
	if err != nil {
		return nil, err
	}
	oldParent = oldParent.clone()
	if err := t.removeChild(ctx, oldParent, n.RoleInParent, id); err != nil {
		return nil, err
	}
	index2, err := t.putNode(ctx, t.index, oldParent)
	if err != nil {
		return nil, err
	}

	newParent, err := t.nodeIn(ctx, index2, newParentID)
	if err != nil {
		return nil, err
	}
	newParent = newParent.clone()
	if err := t.insertChild(ctx, newParent, role, index, id); err != nil {
		return nil, err
	}
	index2, err = t.putNode(ctx, index2, newParent)
	if err != nil {
		return nil, err
	}

	moved := n.clone()
	moved.ParentID = newParentID
	moved.RoleInParent = role
	index2, err = t.putNode(ctx, index2, moved)
	if err != nil {
		return nil, err
	}
	return t.tree(t.id, index2), nil
}

// SetProperty sets or, with a nil value, removes a property.
func (t *Tree) SetProperty(ctx context.Context, id types.NodeID, role string, value *string) (*Tree, error) {
	if err := checkRole(role); err != nil {
		return nil, err
	}
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	n = n.clone()
	n.setProperty(role, value)
	index, err := t.putNode(ctx, t.index, n)
	if err != nil {
		return nil, err
	}
	return t.tree(t.id, index), nil
}

// SetReference sets or, with a nil target, removes a reference.
func (t *Tree) SetReference(ctx context.Context, id types.NodeID, role string, target *types.NodeRef) (*Tree, error) {
	if err := checkRole(role); err != nil {
		return nil, err
	}
	n, err := t.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	n = n.clone()
	n.setReference(role, target)
	index, err := t.putNode(ctx, t.index, n)
	if err != nil {
		return nil, err
	}
	return t.tree(t.id, index), nil
}
