package oplog

import (
	"context"
	"sort"

	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// Diff reconstructs an operation log that turns from into to. Child lists
// are rebuilt top down, then properties and references are set, then
// removed nodes are deleted, deepest first. Only nodes whose objects differ
// are visited.
func Diff(ctx context.Context, from, to *tree.Tree) ([]Operation, error) {
	var present, removed []types.NodeID
	err := from.ChangedNodes(ctx, to, func(id types.NodeID, _, newHash types.Hash) error {
		if newHash == "" {
			removed = append(removed, id)
		} else {
			present = append(present, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := sortByDepth(ctx, to, present, false); err != nil {
		return nil, err
	}

	d := &differ{work: from}
	for _, id := range present {
		roles, err := to.ChildRoles(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			if err := d.rebuildList(ctx, to, id, role); err != nil {
				return nil, err
			}
		}
	}
	for _, id := range present {
		if err := d.syncAttributes(ctx, to, id); err != nil {
			return nil, err
		}
	}

	if err := sortByDepth(ctx, d.work, removed, true); err != nil {
		return nil, err
	}
	for _, id := range removed {
		if err := d.emit(ctx, DeleteNode{ID: id}); err != nil {
			return nil, err
		}
	}
	return d.ops, nil
}

func sortByDepth(ctx context.Context, t *tree.Tree, ids []types.NodeID, deepestFirst bool) error {
	depth := make(map[types.NodeID]int, len(ids))
	for _, id := range ids {
		d, err := t.Depth(ctx, id)
		if err != nil {
			return err
		}
		depth[id] = d
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := depth[ids[i]], depth[ids[j]]
		if di != dj {
			if deepestFirst {
				return di > dj
			}
			return di < dj
		}
		return ids[i] < ids[j]
	})
	return nil
}

type differ struct {
	work *tree.Tree
	ops  []Operation
}

func (d *differ) emit(ctx context.Context, op Operation) error {
	next, err := op.apply(ctx, d.work)
	if err != nil {
		return err
	}
	d.work = next
	d.ops = append(d.ops, op)
	return nil
}

// rebuildList makes parent's role list start with the wanted children in
// order. Elements that belong elsewhere stay behind them until they are
// moved away or deleted.
func (d *differ) rebuildList(ctx context.Context, to *tree.Tree, parent types.NodeID, role string) error {
	want, err := to.Children(ctx, parent, role)
	if err != nil {
		return err
	}
	wanted := make(map[types.NodeID]struct{}, len(want))
	for _, id := range want {
		wanted[id] = struct{}{}
	}

	current := func() ([]types.NodeID, []int, error) {
		ids, err := d.work.Children(ctx, parent, role)
		if err != nil {
			return nil, nil, err
		}
		var keep []types.NodeID
		var positions []int
		for i, id := range ids {
			if _, ok := wanted[id]; ok {
				keep = append(keep, id)
				positions = append(positions, i)
			}
		}
		return keep, positions, nil
	}

	have, positions, err := current()
	if err != nil {
		return err
	}
	for i, child := range want {
		if i < len(have) && have[i] == child {
			continue
		}
		index := 0
		if i > 0 {
			index = positions[i-1] + 1
		}
		exists, err := d.work.ContainsNode(ctx, child)
		if err != nil {
			return err
		}
		if exists {
			err = d.emit(ctx, MoveNode{ID: child, NewParent: parent, Role: role, Index: index})
		} else {
			var concept string
			if concept, err = to.Concept(ctx, child); err != nil {
				return err
			}
			err = d.emit(ctx, AddNewChild{Parent: parent, Role: role, Index: index, Child: child, Concept: concept})
		}
		if err != nil {
			return err
		}
		if have, positions, err = current(); err != nil {
			return err
		}
	}
	return nil
}

func (d *differ) syncAttributes(ctx context.Context, to *tree.Tree, id types.NodeID) error {
	want, err := to.Node(ctx, id)
	if err != nil {
		return err
	}
	have, err := d.work.Node(ctx, id)
	if err != nil {
		return err
	}

	for _, p := range have.Properties {
		if _, ok := want.Property(p.Role); !ok {
			if err := d.emit(ctx, SetProperty{ID: id, Role: p.Role}); err != nil {
				return err
			}
		}
	}
	for _, p := range want.Properties {
		if v, ok := have.Property(p.Role); ok && v == p.Value {
			continue
		}
		if err := d.emit(ctx, SetProperty{ID: id, Role: p.Role, Value: types.StringPtr(p.Value)}); err != nil {
			return err
		}
	}

	for _, r := range have.References {
		if _, ok := want.Reference(r.Role); !ok {
			if err := d.emit(ctx, SetReference{ID: id, Role: r.Role}); err != nil {
				return err
			}
		}
	}
	for _, r := range want.References {
		if target, ok := have.Reference(r.Role); ok && target == r.Target {
			continue
		}
		target := r.Target
		if err := d.emit(ctx, SetReference{ID: id, Role: r.Role, Target: &target}); err != nil {
			return err
		}
	}
	return nil
}
