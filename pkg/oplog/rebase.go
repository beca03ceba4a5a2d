package oplog

import (
	"context"

	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// FailureHandler decides what happens to a kept operation that cannot be
// applied: returning nil skips it, anything else aborts.
type FailureHandler func(i int, op Operation, err error) error

// Rebase applies the kept operations of ops, recorded against base, on top
// of onto. ops are replayed on base alongside; every list insertion is
// re-anchored behind the nearest preceding sibling that both trees hold, so
// positions survive operations that were left out or happened elsewhere. It
// returns the re-indexed operations that were applied. A nil onFailure
// aborts on the first failure.
func Rebase(ctx context.Context, base, onto *tree.Tree, ops []Operation, keep []bool, onFailure FailureHandler) ([]Operation, *tree.Tree, error) {
	full, kept := base, onto
	var applied []Operation
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if keep[i] {
			next, rebased, err := rebaseOne(ctx, full, kept, op)
			switch {
			case err == nil:
				kept = next
				applied = append(applied, rebased)
			case onFailure == nil || ctx.Err() != nil:
				return nil, nil, err
			default:
				if err := onFailure(i, op, err); err != nil {
					return nil, nil, err
				}
			}
		}
		var err error
		if full, err = op.apply(ctx, full); err != nil {
			return nil, nil, err
		}
	}
	return applied, kept, nil
}

func rebaseOne(ctx context.Context, full, kept *tree.Tree, op Operation) (*tree.Tree, Operation, error) {
	var err error
	switch o := op.(type) {
	case AddNewChild:
		o.Index, err = projectIndex(ctx, full, kept, o.Parent, o.Role, o.Index, 0)
		op = o
	case MoveNode:
		o.Index, err = projectIndex(ctx, full, kept, o.NewParent, o.Role, o.Index, o.ID)
		op = o
	}
	if err != nil {
		return nil, nil, err
	}
	next, err := op.apply(ctx, kept)
	if err != nil {
		return nil, nil, err
	}
	return next, op, nil
}

// projectIndex translates an insertion index of parent's role list in from
// into the same list of to. moving is left out of both lists.
func projectIndex(ctx context.Context, from, to *tree.Tree, parent types.NodeID, role string, index int, moving types.NodeID) (int, error) {
	source, err := from.Children(ctx, parent, role)
	if err != nil {
		return 0, err
	}
	target, err := to.Children(ctx, parent, role)
	if err != nil {
		return 0, err
	}
	return AnchorIndex(without(source, moving), without(target, moving), index), nil
}

func without(ids []types.NodeID, id types.NodeID) []types.NodeID {
	out := make([]types.NodeID, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// AnchorIndex maps index of the source list onto target: the result is the
// slot right after the nearest element before index that target also holds,
// or 0.
func AnchorIndex(source, target []types.NodeID, index int) int {
	if index > len(source) {
		index = len(source)
	}
	positions := make(map[types.NodeID]int, len(target))
	for i, id := range target {
		positions[id] = i
	}
	for j := index - 1; j >= 0; j-- {
		if p, ok := positions[source[j]]; ok {
			return p + 1
		}
	}
	return 0
}
