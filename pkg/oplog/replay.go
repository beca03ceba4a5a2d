package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// DanglingOperationError reports an operation whose node or parent does not
// exist in the tree it is applied to.
type DanglingOperationError struct {
	Operation Operation
	Missing   types.NodeID
}

func (e *DanglingOperationError) Error() string {
	return fmt.Sprintf("oplog: dangling operation %s: node %s does not exist", e.Operation.Serialize(), e.Missing)
}

func requireNodes(ctx context.Context, t *tree.Tree, op Operation, ids ...types.NodeID) error {
	for _, id := range ids {
		ok, err := t.ContainsNode(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &DanglingOperationError{Operation: op, Missing: id}
		}
	}
	return nil
}

func (o AddNewChild) apply(ctx context.Context, t *tree.Tree) (*tree.Tree, error) {
	if err := requireNodes(ctx, t, o, o.Parent); err != nil {
		return nil, err
	}
	return t.AddNewChild(ctx, o.Parent, o.Role, o.Index, o.Child, o.Concept)
}

func (o DeleteNode) apply(ctx context.Context, t *tree.Tree) (*tree.Tree, error) {
	if err := requireNodes(ctx, t, o, o.ID); err != nil {
		return nil, err
	}
	return t.DeleteNode(ctx, o.ID)
}

func (o MoveNode) apply(ctx context.Context, t *tree.Tree) (*tree.Tree, error) {
	if err := requireNodes(ctx, t, o, o.ID, o.NewParent); err != nil {
		return nil, err
	}
	return t.MoveNode(ctx, o.ID, o.NewParent, o.Role, o.Index)
}

func (o SetProperty) apply(ctx context.Context, t *tree.Tree) (*tree.Tree, error) {
	if err := requireNodes(ctx, t, o, o.ID); err != nil {
		return nil, err
	}
	return t.SetProperty(ctx, o.ID, o.Role, o.Value)
}

func (o SetReference) apply(ctx context.Context, t *tree.Tree) (*tree.Tree, error) {
	if err := requireNodes(ctx, t, o, o.ID); err != nil {
		return nil, err
	}
	return t.SetReference(ctx, o.ID, o.Role, o.Target)
}

// Apply applies a single operation.
func Apply(ctx context.Context, t *tree.Tree, op Operation) (*tree.Tree, error) {
	return op.apply(ctx, t)
}

// AppliedOperation is an operation together with the operations that undo
// it on the tree it was applied to.
type AppliedOperation struct {
	Operation Operation
	Inverse   []Operation
}

type ReplayResult struct {
	Applied []AppliedOperation
	// Failed counts operations skipped with ContinueOnError.
	Failed int
	Errors []error
}

// Undo returns the operations that revert all applied operations, newest
// first.
func (r *ReplayResult) Undo() []Operation {
	var ops []Operation
	for i := len(r.Applied) - 1; i >= 0; i-- {
		ops = append(ops, r.Applied[i].Inverse...)
	}
	return ops
}

type replayConfig struct {
	continueOnError bool
}

type ReplayOption func(*replayConfig)

// ContinueOnError skips operations that cannot be applied instead of
// aborting. Meant for best effort imports, never for merge or sync.
func ContinueOnError() ReplayOption {
	return func(c *replayConfig) {
		c.continueOnError = true
	}
}

// Replay applies ops to base in order.
func Replay(ctx context.Context, base *tree.Tree, ops []Operation, opts ...ReplayOption) (*tree.Tree, *ReplayResult, error) {
	var cfg replayConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	t := base
	result := &ReplayResult{Applied: make([]AppliedOperation, 0, len(ops))}
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		inverse, err := inverseOf(ctx, t, op)
		var next *tree.Tree
		if err == nil {
			next, err = op.apply(ctx, t)
		}
		if err != nil {
			if !cfg.continueOnError || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, fmt.Errorf("oplog: operation %d: %w", i, err)
			}
			log.WithFields(logrus.Fields{
				"index":     i,
				"operation": op.Serialize(),
				"error":     err,
			}).Debug("skipping operation")
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		t = next
		result.Applied = append(result.Applied, AppliedOperation{Operation: op, Inverse: inverse})
	}
	return t, result, nil
}

// inverseOf captures the state op is about to overwrite. Operations whose
// targets are missing get no inverse; their application fails right after.
func inverseOf(ctx context.Context, t *tree.Tree, op Operation) ([]Operation, error) {
	exists, err := t.ContainsNode(ctx, op.Node())
	if err != nil {
		return nil, err
	}

	switch o := op.(type) {
	case AddNewChild:
		return []Operation{DeleteNode{ID: o.Child}}, nil

	case DeleteNode:
		if !exists {
			return nil, nil
		}
		n, err := t.Node(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		index, err := t.ChildIndex(ctx, o.ID)
		if err != nil {
			if errors.Is(err, tree.ErrRootNode) {
				return nil, nil
			}
			return nil, err
		}
		inverse := []Operation{AddNewChild{Parent: n.ParentID, Role: n.RoleInParent, Index: index, Child: o.ID, Concept: n.Concept}}
		for _, p := range n.Properties {
			inverse = append(inverse, SetProperty{ID: o.ID, Role: p.Role, Value: types.StringPtr(p.Value)})
		}
		for _, r := range n.References {
			target := r.Target
			inverse = append(inverse, SetReference{ID: o.ID, Role: r.Role, Target: &target})
		}
		return inverse, nil

	case MoveNode:
		if !exists {
			return nil, nil
		}
		n, err := t.Node(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		index, err := t.ChildIndex(ctx, o.ID)
		if err != nil {
			if errors.Is(err, tree.ErrRootNode) {
				return nil, nil
			}
			return nil, err
		}
		return []Operation{MoveNode{ID: o.ID, NewParent: n.ParentID, Role: n.RoleInParent, Index: index}}, nil

	case SetProperty:
		if !exists {
			return nil, nil
		}
		old, ok, err := t.Property(ctx, o.ID, o.Role)
		if err != nil {
			return nil, err
		}
		var value *string
		if ok {
			value = &old
		}
		return []Operation{SetProperty{ID: o.ID, Role: o.Role, Value: value}}, nil

	case SetReference:
		if !exists {
			return nil, nil
		}
		old, ok, err := t.Reference(ctx, o.ID, o.Role)
		if err != nil {
			return nil, err
		}
		var target *types.NodeRef
		if ok {
			target = &old
		}
		return []Operation{SetReference{ID: o.ID, Role: o.Role, Target: target}}, nil
	}
	return nil, fmt.Errorf("oplog: unknown operation type %T", op)
}
