package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-model/pkg/bulkquery"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

func TestNodeDataRoundTrip(t *testing.T) {
	nodes := []*NodeData{
		{ID: types.RootID},
		{
			ID:           0x2a,
			Concept:      "org.example.Class",
			ParentID:     types.RootID,
			RoleInParent: "rootNodes",
			Children: []ChildList{
				{Role: "features", List: types.Digest("a")},
				{Role: "members", List: types.Digest("b")},
			},
			Properties: []Property{
				{Role: "name", Value: "A/B, c;d:e=f"},
				{Role: "note", Value: ""},
			},
			References: []Reference{
				{Role: "extends", Target: types.LocalRef(7)},
				{Role: "type", Target: types.NodeRef{TreeID: "lib:core", ID: 0xff}},
			},
		},
	}
	for _, n := range nodes {
		parsed, err := ParseNodeData(n.Serialize())
		require.NoError(t, err)
		assert.Equal(t, n, parsed)
	}
}

func TestParseNodeDataRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "1/a/0", "0/a/0/////", "1/a/0/r/children/x/"} {
		_, err := ParseNodeData(s)
		assert.Error(t, err, s)
	}
}

// buildSample creates
//
//	root
//	  children: 2 (A), 3 (B)
//	2
//	  items: 4 (C)
func buildSample(t *testing.T, g *Graph) *Tree {
	t.Helper()
	ctx := context.Background()
	tr := g.NewTree("sample")
	var err error
	tr, err = tr.AddNewChild(ctx, types.RootID, "children", -1, 2, "A")
	require.NoError(t, err)
	tr, err = tr.AddNewChild(ctx, types.RootID, "children", -1, 3, "B")
	require.NoError(t, err)
	tr, err = tr.AddNewChild(ctx, 2, "items", 0, 4, "C")
	require.NoError(t, err)
	return tr
}

func TestTreeEdits(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	tr := buildSample(t, g)

	children, err := tr.Children(ctx, types.RootID, "children")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{2, 3}, children)

	parent, role, err := tr.Parent(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(2), parent)
	assert.Equal(t, "items", role)

	depth, err := tr.Depth(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	descendants, err := tr.Descendants(ctx, types.RootID, false)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{2, 4, 3}, descendants)

	name := "first"
	edited, err := tr.SetProperty(ctx, 2, "name", &name)
	require.NoError(t, err)
	v, ok, err := edited.Property(ctx, 2, "name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	_, ok, err = tr.Property(ctx, 2, "name")
	require.NoError(t, err)
	assert.False(t, ok, "edits leave the original tree untouched")

	edited, err = edited.SetProperty(ctx, 2, "name", nil)
	require.NoError(t, err)
	assert.Equal(t, tr.Hash(), edited.Hash(), "removing the property restores the original hash")

	target := types.LocalRef(3)
	edited, err = tr.SetReference(ctx, 4, "ref", &target)
	require.NoError(t, err)
	ref, ok, err := edited.Reference(ctx, 4, "ref")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, target, ref)
}

func TestMoveNode(t *testing.T) {
	ctx := context.Background()
	tr := buildSample(t, newTestGraph(t))

	moved, err := tr.MoveNode(ctx, 4, types.RootID, "children", 1)
	require.NoError(t, err)
	children, err := moved.Children(ctx, types.RootID, "children")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{2, 4, 3}, children)

	roles, err := moved.ChildRoles(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, roles, "empty child lists are dropped")

	// reorder within the same list; the index counts after removal
	moved, err = moved.MoveNode(ctx, 2, types.RootID, "children", 2)
	require.NoError(t, err)
	children, err = moved.Children(ctx, types.RootID, "children")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{4, 3, 2}, children)

	index, err := moved.ChildIndex(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	_, err = tr.MoveNode(ctx, 2, 4, "items", 0)
	assert.ErrorIs(t, err, ErrCycle)
	_, err = tr.MoveNode(ctx, 2, 2, "items", 0)
	assert.ErrorIs(t, err, ErrCycle)
	_, err = tr.MoveNode(ctx, types.RootID, 2, "items", 0)
	assert.ErrorIs(t, err, ErrRootNode)
	_, err = tr.MoveNode(ctx, 4, 3, "items", 1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestDeleteNode(t *testing.T) {
	ctx := context.Background()
	tr := buildSample(t, newTestGraph(t))

	_, err := tr.DeleteNode(ctx, 2)
	assert.ErrorIs(t, err, ErrHasChildren)
	_, err = tr.DeleteNode(ctx, types.RootID)
	assert.ErrorIs(t, err, ErrRootNode)
	_, err = tr.DeleteNode(ctx, 99)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	deleted, err := tr.DeleteNode(ctx, 4)
	require.NoError(t, err)
	ok, err := deleted.ContainsNode(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = deleted.DeleteNode(ctx, 2)
	require.NoError(t, err)
	deleted, err = deleted.DeleteNode(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, newTestGraph(t).NewTree("sample").Hash(), deleted.Hash())
}

func TestAddNewChildErrors(t *testing.T) {
	ctx := context.Background()
	tr := buildSample(t, newTestGraph(t))

	_, err := tr.AddNewChild(ctx, types.RootID, "children", -1, 2, "dup")
	assert.ErrorIs(t, err, ErrNodeExists)
	_, err = tr.AddNewChild(ctx, 99, "children", -1, 5, "X")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = tr.AddNewChild(ctx, types.RootID, "", -1, 5, "X")
	assert.ErrorIs(t, err, ErrInvalidRole)
	_, err = tr.AddNewChild(ctx, types.RootID, "children", 3, 5, "X")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestFlushAndLoad(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	tr := buildSample(t, g)

	written, err := tr.Flush(ctx)
	require.NoError(t, err)
	assert.Positive(t, written)
	written, err = tr.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, written)

	loaded, err := g.LoadTree(ctx, tr.Hash())
	require.NoError(t, err)
	assert.Equal(t, "sample", loaded.ID())
	concept, err := loaded.Concept(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "C", concept)

	_, err = g.LoadTree(ctx, types.Digest("missing"))
	assert.Error(t, err)
}

func TestEditSharesUntouchedObjects(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	tr := g.NewTree("large")
	var err error
	for id := types.NodeID(2); id < 1002; id++ {
		tr, err = tr.AddNewChild(ctx, types.RootID, "items", -1, id, "Item")
		require.NoError(t, err)
	}
	_, err = tr.Flush(ctx)
	require.NoError(t, err)

	value := "x"
	edited, err := tr.SetProperty(ctx, 500, "name", &value)
	require.NoError(t, err)
	_, err = edited.Flush(ctx)
	require.NoError(t, err)

	engine := bulkquery.New(g.Store())
	before, err := Reachable(ctx, engine, tr.Hash())
	require.NoError(t, err)
	after, err := Reachable(ctx, engine, edited.Hash())
	require.NoError(t, err)

	fresh := 0
	for h := range after {
		if _, ok := before[h]; !ok {
			fresh++
		}
	}
	// the tree object, the node and its path through the index
	assert.LessOrEqual(t, fresh, 6)
	assert.Greater(t, len(before), 1000)

	changed := map[types.NodeID]bool{}
	require.NoError(t, tr.ChangedNodes(ctx, edited, func(id types.NodeID, _, _ types.Hash) error {
		changed[id] = true
		return nil
	}))
	assert.Equal(t, map[types.NodeID]bool{500: true}, changed)
}

func TestWalkSkipsKnownObjects(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	tr := buildSample(t, g)
	_, err := tr.Flush(ctx)
	require.NoError(t, err)

	engine := bulkquery.New(g.Store())
	all, err := Reachable(ctx, engine, tr.Hash())
	require.NoError(t, err)
	// tree, index root, 4 index leaves, 4 nodes, 2 child lists
	assert.Len(t, all, 12)

	var visited []types.Hash
	err = Walk(ctx, engine, []types.Hash{tr.Hash()}, func(h types.Hash) bool { return h == tr.index }, func(o store.Object) error {
		visited = append(visited, o.Hash)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{tr.Hash()}, visited)

	err = Walk(ctx, engine, []types.Hash{types.Digest("missing")}, nil, func(store.Object) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}
