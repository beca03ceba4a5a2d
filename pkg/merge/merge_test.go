package merge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
	"github.com/i5heu/ouroboros-model/pkg/version"
)

const (
	c1 types.NodeID = 0x10
	c2 types.NodeID = 0x11
	c3 types.NodeID = 0x12
)

var epoch = time.UnixMilli(1_700_000_000_000)

type editFunc func(ctx context.Context, tx *oplog.Transaction) error

type fixture struct {
	t   testing.TB
	ctx context.Context
	g   *tree.Graph
}

func newFixture(t testing.TB) *fixture {
	g, err := tree.NewGraph(store.NewMemoryStore())
	require.NoError(t, err)
	return &fixture{t: t, ctx: context.Background(), g: g}
}

func (f *fixture) root() *version.Version {
	v, err := version.NewRoot(f.ctx, f.g, "model", "alice", epoch)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) commit(parent *version.Version, author string, minute int, edit editFunc) *version.Version {
	base, err := parent.Tree(f.ctx)
	require.NoError(f.t, err)
	tx := oplog.NewTransaction(base)
	require.NoError(f.t, edit(f.ctx, tx))
	ops, result, err := tx.Result(f.ctx)
	require.NoError(f.t, err)
	v, err := version.Create(f.ctx, f.g, result, []types.Hash{parent.Hash()}, author, epoch.Add(time.Duration(minute)*time.Minute), ops)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) merge(a, b *version.Version) *Result {
	r, err := Merge(f.ctx, f.g, a.Hash(), b.Hash(), "merger", WithClock(func() time.Time { return epoch.Add(time.Hour) }))
	require.NoError(f.t, err)
	return r
}

// items commits root.items = ids, every child named after its position.
func (f *fixture) items(ids ...types.NodeID) *version.Version {
	return f.commit(f.root(), "alice", 1, func(ctx context.Context, tx *oplog.Transaction) error {
		for i, id := range ids {
			if err := tx.AddNewChild(ctx, types.RootID, "items", -1, id, "Item"); err != nil {
				return err
			}
			if err := tx.SetProperty(ctx, id, "name", types.StringPtr(fmt.Sprint("X", i))); err != nil {
				return err
			}
		}
		return nil
	})
}

func setName(id types.NodeID, name string) editFunc {
	return func(ctx context.Context, tx *oplog.Transaction) error {
		return tx.SetProperty(ctx, id, "name", &name)
	}
}

func deleteNode(id types.NodeID) editFunc {
	return func(ctx context.Context, tx *oplog.Transaction) error {
		return tx.DeleteNode(ctx, id)
	}
}

func moveNode(id, parent types.NodeID, role string) editFunc {
	return func(ctx context.Context, tx *oplog.Transaction) error {
		return tx.MoveNode(ctx, id, parent, role, -1)
	}
}

func TestMergeDeleteWinsOverEdit(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1)
	a := f.commit(v1, "alice", 2, setName(c1, "A-edit"))
	b := f.commit(v1, "bob", 2, deleteNode(c1))

	ab, ba := f.merge(a, b), f.merge(b, a)
	assert.Equal(t, ab.Tree.Hash(), ba.Tree.Hash())
	assert.Equal(t, b.TreeHash(), ab.Tree.Hash())
	assert.Equal(t, []types.Hash{a.Hash(), b.Hash()}, ab.Version.Parents())
	assert.Equal(t, []types.Hash{b.Hash(), a.Hash()}, ba.Version.Parents())
	assert.False(t, ab.FastForward)
	assert.False(t, ab.Version.HasOperations())

	want := []Conflict{{
		Kind:    ConflictDeleted,
		Node:    c1,
		Role:    "name",
		Dropped: oplog.SetProperty{ID: c1, Role: "name", Value: types.StringPtr("A-edit")},
		Source:  a.Hash(),
		Winner:  b.Hash(),
	}}
	for _, r := range []*Result{ab, ba} {
		exists, err := r.Tree.ContainsNode(f.ctx, c1)
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Equal(t, want, r.Conflicts)
	}
}

func TestMergeDropsChildrenOfDeletedNodes(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1)
	a := f.commit(v1, "alice", 2, func(ctx context.Context, tx *oplog.Transaction) error {
		if err := tx.AddNewChild(ctx, c1, "sub", 0, c2, "Item"); err != nil {
			return err
		}
		return tx.SetProperty(ctx, c2, "name", types.StringPtr("new"))
	})
	b := f.commit(v1, "bob", 2, deleteNode(c1))

	r := f.merge(a, b)
	require.Len(t, r.Conflicts, 2)
	for _, c := range r.Conflicts {
		assert.Equal(t, ConflictDeleted, c.Kind)
		assert.Equal(t, c2, c.Node)
		assert.Equal(t, a.Hash(), c.Source)
	}
	for _, id := range []types.NodeID{c1, c2} {
		exists, err := r.Tree.ContainsNode(f.ctx, id)
		require.NoError(t, err)
		assert.False(t, exists, "%s", id)
	}
}

func TestMergeCombinesIndependentChanges(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1)
	a := f.commit(v1, "alice", 2, func(ctx context.Context, tx *oplog.Transaction) error {
		if err := tx.AddNewChild(ctx, types.RootID, "items", -1, c2, "Item"); err != nil {
			return err
		}
		return tx.SetProperty(ctx, types.RootID, "x", types.StringPtr("1"))
	})
	b := f.commit(v1, "bob", 2, func(ctx context.Context, tx *oplog.Transaction) error {
		if err := tx.AddNewChild(ctx, types.RootID, "items", 0, c3, "Item"); err != nil {
			return err
		}
		return tx.SetProperty(ctx, c1, "name", types.StringPtr("B"))
	})

	ab, ba := f.merge(a, b), f.merge(b, a)
	assert.Equal(t, ab.Tree.Hash(), ba.Tree.Hash())
	assert.Empty(t, ab.Conflicts)

	items, err := ab.Tree.Children(f.ctx, types.RootID, "items")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{c3, c1, c2}, items)
	x, _, err := ab.Tree.Property(f.ctx, types.RootID, "x")
	require.NoError(t, err)
	assert.Equal(t, "1", x)
	name, _, err := ab.Tree.Property(f.ctx, c1, "name")
	require.NoError(t, err)
	assert.Equal(t, "B", name)
}

func TestMergeConcurrentEditLaterWins(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1)
	a := f.commit(v1, "alice", 3, setName(c1, "A"))
	b := f.commit(v1, "bob", 2, setName(c1, "B"))

	for _, r := range []*Result{f.merge(a, b), f.merge(b, a)} {
		name, _, err := r.Tree.Property(f.ctx, c1, "name")
		require.NoError(t, err)
		assert.Equal(t, "A", name)
		assert.Equal(t, []Conflict{{
			Kind:    ConflictConcurrentEdit,
			Node:    c1,
			Role:    "name",
			Dropped: oplog.SetProperty{ID: c1, Role: "name", Value: types.StringPtr("B")},
			Source:  b.Hash(),
			Winner:  a.Hash(),
		}}, r.Conflicts)
	}

	// same time: the author decides
	a = f.commit(v1, "alice", 4, setName(c1, "A"))
	b = f.commit(v1, "bob", 4, setName(c1, "B"))
	r := f.merge(a, b)
	name, _, err := r.Tree.Property(f.ctx, c1, "name")
	require.NoError(t, err)
	assert.Equal(t, "B", name)

	// same value: nothing to report
	b = f.commit(v1, "bob", 5, setName(c1, "A"))
	assert.Empty(t, f.merge(a, b).Conflicts)
}

func TestMergeConcurrentMoveLaterWins(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1, c2, c3)
	a := f.commit(v1, "alice", 2, moveNode(c3, c1, "sub"))
	b := f.commit(v1, "bob", 3, moveNode(c3, c2, "sub"))

	ab, ba := f.merge(a, b), f.merge(b, a)
	assert.Equal(t, ab.Tree.Hash(), ba.Tree.Hash())
	parent, role, err := ab.Tree.Parent(f.ctx, c3)
	require.NoError(t, err)
	assert.Equal(t, c2, parent)
	assert.Equal(t, "sub", role)
	assert.Equal(t, []Conflict{{
		Kind:    ConflictConcurrentMove,
		Node:    c3,
		Role:    "sub",
		Dropped: oplog.MoveNode{ID: c3, NewParent: c1, Role: "sub", Index: 0},
		Source:  a.Hash(),
		Winner:  b.Hash(),
	}}, ab.Conflicts)
}

func TestMergeReportsCycles(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1, c2)
	a := f.commit(v1, "alice", 2, moveNode(c1, c2, "sub"))
	b := f.commit(v1, "bob", 2, moveNode(c2, c1, "sub"))

	ab, ba := f.merge(a, b), f.merge(b, a)
	assert.Equal(t, ab.Tree.Hash(), ba.Tree.Hash())
	require.Len(t, ab.Conflicts, 1)
	assert.Equal(t, ConflictInapplicable, ab.Conflicts[0].Kind)
	assert.NotEmpty(t, ab.Conflicts[0].Reason)

	items, err := ab.Tree.Children(f.ctx, types.RootID, "items")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMergeWithAncestor(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1)
	a := f.commit(v1, "alice", 2, setName(c1, "A"))

	r := f.merge(v1, a)
	assert.True(t, r.FastForward)
	assert.Equal(t, a.Hash(), r.Version.Hash())
	assert.Equal(t, a.TreeHash(), r.Tree.Hash())

	r = f.merge(a, v1)
	assert.False(t, r.FastForward)
	assert.Equal(t, a.Hash(), r.Version.Hash())

	r = f.merge(a, a)
	assert.Equal(t, a.Hash(), r.Version.Hash())
	assert.Empty(t, r.Conflicts)
}

func TestMergeAcrossMergeCommits(t *testing.T) {
	f := newFixture(t)
	v1 := f.items(c1)
	a := f.commit(v1, "alice", 2, setName(c1, "A"))
	b1 := f.commit(v1, "bob", 2, func(ctx context.Context, tx *oplog.Transaction) error {
		return tx.SetProperty(ctx, types.RootID, "x", types.StringPtr("1"))
	})
	m := f.merge(a, b1).Version
	b2 := f.commit(b1, "bob", 3, func(ctx context.Context, tx *oplog.Transaction) error {
		return tx.SetProperty(ctx, types.RootID, "y", types.StringPtr("2"))
	})

	r := f.merge(m, b2)
	assert.Empty(t, r.Conflicts)
	for _, p := range []struct {
		id          types.NodeID
		role, value string
	}{{c1, "name", "A"}, {types.RootID, "x", "1"}, {types.RootID, "y", "2"}} {
		got, _, err := r.Tree.Property(f.ctx, p.id, p.role)
		require.NoError(t, err)
		assert.Equal(t, p.value, got)
	}
}

func TestMergeWithoutCommonAncestor(t *testing.T) {
	f := newFixture(t)
	a := f.items(c1)
	other, err := version.NewRoot(f.ctx, f.g, "other", "bob", epoch)
	require.NoError(t, err)
	_, err = Merge(f.ctx, f.g, a.Hash(), other.Hash(), "merger")
	assert.ErrorIs(t, err, version.ErrNoCommonAncestor)
}

// randomEdits applies steps random edits; invalid ones are skipped.
func randomEdits(rt *rapid.T, ctx context.Context, tx *oplog.Transaction, next *types.NodeID, steps int) {
	roles := []string{"a", "b"}
	for i := 0; i < steps; i++ {
		ids, err := tx.Tree().Descendants(ctx, types.RootID, true)
		if err != nil {
			rt.Fatal(err)
		}
		pick := func(label string) types.NodeID {
			return rapid.SampledFrom(ids).Draw(rt, label)
		}
		switch rapid.IntRange(0, 4).Draw(rt, "kind") {
		case 0:
			if len(ids) > 12 {
				continue
			}
			parent, role := pick("parent"), rapid.SampledFrom(roles).Draw(rt, "role")
			siblings, err := tx.Tree().Children(ctx, parent, role)
			if err != nil {
				rt.Fatal(err)
			}
			*next++
			_ = tx.AddNewChild(ctx, parent, role, rapid.IntRange(-1, len(siblings)).Draw(rt, "index"), *next, "C")
		case 1:
			_ = tx.DeleteNode(ctx, pick("victim"))
		case 2:
			id, parent, role := pick("node"), pick("parent"), rapid.SampledFrom(roles).Draw(rt, "role")
			siblings, err := tx.Tree().Children(ctx, parent, role)
			if err != nil {
				rt.Fatal(err)
			}
			_ = tx.MoveNode(ctx, id, parent, role, rapid.IntRange(-1, len(siblings)).Draw(rt, "index"))
		case 3:
			value := rapid.SampledFrom([]string{"x", "y", "z"}).Draw(rt, "value")
			_ = tx.SetProperty(ctx, pick("node"), "p", &value)
		case 4:
			var target *types.NodeRef
			switch rapid.IntRange(0, 2).Draw(rt, "target kind") {
			case 1:
				target = &types.NodeRef{ID: pick("target")}
			case 2:
				target = &types.NodeRef{TreeID: "other", ID: pick("target")}
			}
			_ = tx.SetReference(ctx, pick("node"), "r", target)
		}
	}
}

func TestMergeIsSymmetric(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := f.ctx
		randomCommit := func(parent *version.Version, author string, minute int, next *types.NodeID, steps int) *version.Version {
			base, err := parent.Tree(ctx)
			if err != nil {
				rt.Fatal(err)
			}
			tx := oplog.NewTransaction(base)
			randomEdits(rt, ctx, tx, next, steps)
			ops, result, err := tx.Result(ctx)
			if err != nil {
				rt.Fatal(err)
			}
			v, err := version.Create(ctx, f.g, result, []types.Hash{parent.Hash()}, author, epoch.Add(time.Duration(minute)*time.Minute), ops)
			if err != nil {
				rt.Fatal(err)
			}
			return v
		}

		setupID, aID, bID := types.NodeID(0), types.NodeID(0x100), types.NodeID(0x200)
		base := randomCommit(f.root(), "setup", 1, &setupID, rapid.IntRange(0, 10).Draw(rt, "setup"))
		a, b := base, base
		for i := rapid.IntRange(1, 2).Draw(rt, "commits a"); i > 0; i-- {
			a = randomCommit(a, "alice", rapid.IntRange(2, 4).Draw(rt, "minute a"), &aID, rapid.IntRange(1, 8).Draw(rt, "edits a"))
		}
		for i := rapid.IntRange(1, 2).Draw(rt, "commits b"); i > 0; i-- {
			b = randomCommit(b, "bob", rapid.IntRange(2, 4).Draw(rt, "minute b"), &bID, rapid.IntRange(1, 8).Draw(rt, "edits b"))
		}

		ab, err := Merge(ctx, f.g, a.Hash(), b.Hash(), "merger")
		if err != nil {
			rt.Fatal(err)
		}
		ba, err := Merge(ctx, f.g, b.Hash(), a.Hash(), "merger")
		if err != nil {
			rt.Fatal(err)
		}
		if ab.Tree.Hash() != ba.Tree.Hash() {
			rt.Fatalf("merge results differ: %s vs %s", ab.Tree.Hash(), ba.Tree.Hash())
		}
		if fmt.Sprint(ab.Conflicts) != fmt.Sprint(ba.Conflicts) {
			rt.Fatalf("conflicts differ: %v vs %v", ab.Conflicts, ba.Conflicts)
		}
	})
}
