package oplog

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// InvalidInputError rejects a mutation before anything was changed.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "oplog: invalid input: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}

type entry struct {
	op Operation
	// dropped entries happened but are not part of the resulting log
	dropped bool
}

type propertyKey struct {
	node      types.NodeID
	role      string
	reference bool
}

// Transaction edits a tree and records one operation per mutating call. It is
// not safe for concurrent use.
type Transaction struct {
	base *tree.Tree
	tree *tree.Tree

	entries []entry
	byNode  map[types.NodeID][]int
	sets    map[propertyKey]int
	added   map[types.NodeID]struct{}
	deleted map[types.NodeID]struct{}
	// pruned is set once entries that affect list positions were dropped
	pruned bool
}

func NewTransaction(base *tree.Tree) *Transaction {
	return &Transaction{
		base:    base,
		tree:    base,
		byNode:  make(map[types.NodeID][]int),
		sets:    make(map[propertyKey]int),
		added:   make(map[types.NodeID]struct{}),
		deleted: make(map[types.NodeID]struct{}),
	}
}

func (t *Transaction) Base() *tree.Tree {
	return t.base
}

// Tree returns the current state of the transaction.
func (t *Transaction) Tree() *tree.Tree {
	return t.tree
}

// Len returns the number of recorded operations.
func (t *Transaction) Len() int {
	n := 0
	for _, e := range t.entries {
		if !e.dropped {
			n++
		}
	}
	return n
}

func (t *Transaction) record(op Operation) int {
	t.entries = append(t.entries, entry{op: op})
	i := len(t.entries) - 1
	t.byNode[op.Node()] = append(t.byNode[op.Node()], i)
	return i
}

func checkRole(role string) error {
	if role == "" {
		return invalid("empty role")
	}
	return nil
}

func checkValue(v *string) error {
	if v != nil && strings.ContainsRune(*v, 0) {
		return invalid("value contains a NUL character")
	}
	return nil
}

func (t *Transaction) AddNewChild(ctx context.Context, parent types.NodeID, role string, index int, child types.NodeID, concept string) error {
	return t.AddNewChildren(ctx, parent, role, index, []types.NodeID{child}, []string{concept})
}

// AddNewChildren inserts children at index of parent's role list, in order.
// Index -1 appends. Invalid input leaves the transaction unchanged.
func (t *Transaction) AddNewChildren(ctx context.Context, parent types.NodeID, role string, index int, children []types.NodeID, concepts []string) error {
	if err := checkRole(role); err != nil {
		return err
	}
	if len(children) != len(concepts) {
		return invalid("%d ids for %d concepts", len(children), len(concepts))
	}
	seen := make(map[types.NodeID]struct{}, len(children))
	for _, id := range children {
		if id == 0 {
			return invalid("node id 0")
		}
		if _, ok := seen[id]; ok {
			return invalid("duplicate node id %s", id)
		}
		seen[id] = struct{}{}
		if _, ok := t.deleted[id]; ok {
			return invalid("node %s was deleted in this transaction", id)
		}
		exists, err := t.tree.ContainsNode(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return invalid("node %s already exists", id)
		}
	}
	siblings, err := t.tree.Children(ctx, parent, role)
	if err != nil {
		return err
	}
	if index == -1 {
		index = len(siblings)
	}
	if index < 0 || index > len(siblings) {
		return fmt.Errorf("%w: index %d for %d children", tree.ErrIndexOutOfRange, index, len(siblings))
	}

	current := t.tree
	ops := make([]AddNewChild, len(children))
	for i, id := range children {
		ops[i] = AddNewChild{Parent: parent, Role: role, Index: index + i, Child: id, Concept: concepts[i]}
		if current, err = ops[i].apply(ctx, current); err != nil {
			return err
		}
	}
	t.tree = current
	for _, op := range ops {
		t.record(op)
		t.added[op.Child] = struct{}{}
	}
	return nil
}

// DeleteNode removes id with its whole subtree, children before their
// parents, one operation per node.
func (t *Transaction) DeleteNode(ctx context.Context, id types.NodeID) error {
	if id == types.RootID {
		return tree.ErrRootNode
	}
	subtree, err := t.tree.Descendants(ctx, id, true)
	if err != nil {
		return err
	}
	current := t.tree
	for i := len(subtree) - 1; i >= 0; i-- {
		if current, err = (DeleteNode{ID: subtree[i]}).apply(ctx, current); err != nil {
			return err
		}
	}
	t.tree = current
	for i := len(subtree) - 1; i >= 0; i-- {
		t.recordDelete(subtree[i])
	}
	return nil
}

func (t *Transaction) recordDelete(id types.NodeID) {
	_, wasAdded := t.added[id]
	for _, i := range t.byNode[id] {
		switch t.entries[i].op.(type) {
		case SetProperty, SetReference:
			t.entries[i].dropped = true
		case AddNewChild, MoveNode:
			if wasAdded {
				t.entries[i].dropped = true
				t.pruned = true
			}
		}
	}
	i := t.record(DeleteNode{ID: id})
	if wasAdded {
		// the node never existed outside of this transaction
		t.entries[i].dropped = true
		delete(t.added, id)
		return
	}
	t.deleted[id] = struct{}{}
}

// MoveNode moves id to index of newParent's role list, counted after id
// left its current slot. Index -1 appends.
func (t *Transaction) MoveNode(ctx context.Context, id, newParent types.NodeID, role string, index int) error {
	if err := checkRole(role); err != nil {
		return err
	}
	moved, err := (MoveNode{ID: id, NewParent: newParent, Role: role, Index: index}).apply(ctx, t.tree)
	if err != nil {
		return err
	}
	final, err := moved.ChildIndex(ctx, id)
	if err != nil {
		return err
	}
	t.tree = moved
	t.record(MoveNode{ID: id, NewParent: newParent, Role: role, Index: final})
	return nil
}

// SetProperty sets or, with nil, removes a property. Repeated calls for the
// same node and role keep only the last value in the log.
func (t *Transaction) SetProperty(ctx context.Context, id types.NodeID, role string, value *string) error {
	if err := checkRole(role); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	op := SetProperty{ID: id, Role: role, Value: value}
	updated, err := op.apply(ctx, t.tree)
	if err != nil {
		return err
	}
	t.tree = updated
	t.coalesce(propertyKey{node: id, role: role}, op)
	return nil
}

// SetReference sets or, with nil, removes a reference. Repeated calls for the
// same node and role keep only the last target in the log.
func (t *Transaction) SetReference(ctx context.Context, id types.NodeID, role string, target *types.NodeRef) error {
	if err := checkRole(role); err != nil {
		return err
	}
	if target != nil && target.ID == 0 {
		return invalid("reference to node id 0")
	}
	op := SetReference{ID: id, Role: role, Target: target}
	updated, err := op.apply(ctx, t.tree)
	if err != nil {
		return err
	}
	t.tree = updated
	t.coalesce(propertyKey{node: id, role: role, reference: true}, op)
	return nil
}

func (t *Transaction) coalesce(key propertyKey, op Operation) {
	if i, ok := t.sets[key]; ok && !t.entries[i].dropped {
		t.entries[i].op = op
		return
	}
	t.sets[key] = t.record(op)
}

func (t *Transaction) kept() []Operation {
	ops := make([]Operation, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.dropped {
			ops = append(ops, e.op)
		}
	}
	return ops
}

// Result returns the operation log and the tree it produces on the base
// tree. The tree has the same content as Tree; when entries had to be
// dropped it is the replayed tree, so that replaying the log always
// reproduces its hash.
func (t *Transaction) Result(ctx context.Context) ([]Operation, *tree.Tree, error) {
	if !t.pruned {
		return t.kept(), t.tree, nil
	}
	all := make([]Operation, len(t.entries))
	keep := make([]bool, len(t.entries))
	for i, e := range t.entries {
		all[i], keep[i] = e.op, !e.dropped
	}
	ops, replayed, err := Rebase(ctx, t.base, t.base, all, keep, nil)
	if err == nil {
		return ops, replayed, nil
	}
	log.WithFields(logrus.Fields{
		"operations": len(t.entries),
		"error":      err,
	}).Debug("rebuilding transaction log from the tree difference")

	ops, err = Diff(ctx, t.base, t.tree)
	if err != nil {
		return nil, nil, err
	}
	replayed, _, err = Replay(ctx, t.base, ops)
	if err != nil {
		return nil, nil, err
	}
	return ops, replayed, nil
}
