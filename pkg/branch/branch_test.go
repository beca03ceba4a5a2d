package branch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	g, err := tree.NewGraph(store.NewMemoryStore())
	require.NoError(t, err)
	return Config{
		Repository:   "repo",
		Name:         "main",
		Graph:        g,
		Refs:         store.NewMemoryRefStore(),
		Author:       "tester",
		PollInterval: 5 * time.Millisecond,
	}
}

func setRoot(role, value string) func(*oplog.Transaction) error {
	return func(tx *oplog.Transaction) error {
		return tx.SetProperty(context.Background(), types.RootID, role, &value)
	}
}

func rootProperty(t *testing.T, b *Branch, role string) string {
	t.Helper()
	var value string
	require.NoError(t, b.RunRead(context.Background(), func(tr *tree.Tree) error {
		var err error
		value, _, err = tr.Property(context.Background(), types.RootID, role)
		return err
	}))
	return value
}

func TestKey(t *testing.T) {
	assert.Equal(t, ":v2:repositories:repo:branches:main", Key("repo", "main"))
	assert.Equal(t, ":v2:repositories:repo:branches:feature%2Fx", Key("repo", "feature/x"))
}

func TestOpenCreatesRootVersion(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Empty(t, head.Parents())
	tr, err := head.Tree(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultTreeID, tr.ID())

	again, err := Open(ctx, cfg)
	require.NoError(t, err)
	h, err := again.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, head.Hash(), h)

	_, err = Create(ctx, cfg)
	assert.ErrorIs(t, err, ErrBranchExists)

	cfg.Graph = nil
	_, err = Open(ctx, cfg)
	assert.ErrorIs(t, err, ErrIncompleteConfig)
}

func TestRunWriteCommits(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	root, err := b.Head(ctx)
	require.NoError(t, err)

	result, err := b.RunWrite(ctx, func(tx *oplog.Transaction) error {
		if err := tx.AddNewChild(ctx, types.RootID, "items", -1, 0x10, "Item"); err != nil {
			return err
		}
		return tx.SetProperty(ctx, 0x10, "name", types.StringPtr("X"))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, result.Local.Hash(), result.Version.Hash())
	assert.Equal(t, []types.Hash{root.Hash()}, result.Version.Parents())
	assert.Equal(t, 2, result.Version.NumberOfOperations())

	head, err := b.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.Version.Hash(), head)

	require.NoError(t, b.RunRead(ctx, func(tr *tree.Tree) error {
		items, err := tr.Children(ctx, types.RootID, "items")
		assert.Equal(t, []types.NodeID{0x10}, items)
		return err
	}))

	history, err := b.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRunWriteWithoutChangesKeepsHead(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	before, err := b.HeadHash(ctx)
	require.NoError(t, err)

	result, err := b.RunWrite(ctx, func(*oplog.Transaction) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, before, result.Version.Hash())

	boom := errors.New("boom")
	_, err = b.RunWrite(ctx, func(tx *oplog.Transaction) error {
		require.NoError(t, setRoot("a", "1")(tx))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := b.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWriteLockModes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.WriteLock = WriteLockFailFast
	b, err := Open(ctx, cfg)
	require.NoError(t, err)

	_, err = b.RunWrite(ctx, func(tx *oplog.Transaction) error {
		_, err := b.RunWrite(ctx, setRoot("inner", "x"))
		assert.ErrorIs(t, err, ErrTransactionInProgress)
		return setRoot("outer", "y")(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, "y", rootProperty(t, b, "outer"))

	cfg.WriteLock = WriteLockBlock
	blocking, err := Open(ctx, cfg)
	require.NoError(t, err)
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = blocking.RunWrite(ctx, func(tx *oplog.Transaction) error {
		_, err := blocking.RunWrite(canceled, setRoot("inner", "x"))
		assert.ErrorIs(t, err, context.Canceled)
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentCommitsAreMerged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	local, err := Open(ctx, cfg)
	require.NoError(t, err)
	remote, err := Open(ctx, cfg)
	require.NoError(t, err)

	var remoteHead types.Hash
	result, err := local.RunWrite(ctx, func(tx *oplog.Transaction) error {
		r, err := remote.RunWrite(ctx, setRoot("b", "2"))
		if err != nil {
			return err
		}
		remoteHead = r.Version.Hash()
		return setRoot("a", "1")(tx)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Empty(t, result.Conflicts)
	assert.True(t, result.Version.IsMerge())
	assert.Equal(t, []types.Hash{result.Local.Hash(), remoteHead}, result.Version.Parents())

	assert.Equal(t, "1", rootProperty(t, local, "a"))
	assert.Equal(t, "2", rootProperty(t, local, "b"))
}

func TestConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxRetries = 50

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		b, err := Open(ctx, cfg)
		require.NoError(t, err)
		role := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.RunWrite(ctx, setRoot(role, "set"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		assert.Equal(t, "set", rootProperty(t, b, string(rune('a'+i))))
	}
}

// losingRefs rejects every update of an existing reference.
type losingRefs struct {
	store.RefStore
}

func (l losingRefs) CompareAndSwapRef(ctx context.Context, key, expected string, expectExisting bool, value string) (bool, error) {
	if expectExisting {
		return false, nil
	}
	return l.RefStore.CompareAndSwapRef(ctx, key, expected, expectExisting, value)
}

func TestCommitGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Refs = losingRefs{RefStore: cfg.Refs}
	cfg.MaxRetries = 2
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	head, err := b.HeadHash(ctx)
	require.NoError(t, err)

	_, err = b.RunWrite(ctx, setRoot("a", "1"))
	var failure *ConvergenceFailure
	require.True(t, errors.As(err, &failure), "%v", err)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, head, failure.Remote)
	assert.NotEqual(t, head, failure.Local)
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	_, err = b.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)

	fork, err := b.Fork(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, "1", rootProperty(t, fork, "a"))

	_, err = fork.RunWrite(ctx, setRoot("a", "2"))
	require.NoError(t, err)
	assert.Equal(t, "1", rootProperty(t, b, "a"))

	_, err = b.Fork(ctx, "feature")
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestWatchReportsNewHeads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := Open(ctx, testConfig(t))
	require.NoError(t, err)

	updates, err := b.Watch(ctx)
	require.NoError(t, err)
	result, err := b.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)

	select {
	case h := <-updates:
		assert.Equal(t, result.Version.Hash(), h)
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}

	cancel()
	for range updates {
	}
}

func TestWaitForChange(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	before, err := b.HeadHash(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = b.WaitForChange(short, before)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, err := b.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)
	h, err := b.WaitForChange(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, result.Version.Hash(), h)
}

func TestIDGenerator(t *testing.T) {
	g := NewIDGeneratorFor(7)
	assert.Equal(t, types.NodeID(7<<32|1), g.Next())
	assert.Equal(t, types.NodeID(7<<32|2), g.Next())

	zero := NewIDGeneratorFor(0)
	assert.Equal(t, types.NodeID(2), zero.Next())

	random := NewIDGenerator()
	assert.NotZero(t, random.ClientID())

	var mu sync.Mutex
	seen := make(map[types.NodeID]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := random.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}

func TestMergeVersion(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	fork, err := b.Fork(ctx, "feature")
	require.NoError(t, err)

	ahead, err := fork.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)
	result, err := b.MergeVersion(ctx, ahead.Version.Hash())
	require.NoError(t, err)
	assert.Equal(t, ahead.Version.Hash(), result.Version.Hash())
	assert.Equal(t, "1", rootProperty(t, b, "a"))

	// already contained
	again, err := b.MergeVersion(ctx, ahead.Version.Hash())
	require.NoError(t, err)
	assert.Equal(t, ahead.Version.Hash(), again.Version.Hash())

	_, err = b.RunWrite(ctx, setRoot("b", "2"))
	require.NoError(t, err)
	other, err := fork.RunWrite(ctx, setRoot("c", "3"))
	require.NoError(t, err)
	merged, err := b.MergeVersion(ctx, other.Version.Hash())
	require.NoError(t, err)
	assert.True(t, merged.Version.IsMerge())
	assert.Equal(t, "2", rootProperty(t, b, "b"))
	assert.Equal(t, "3", rootProperty(t, b, "c"))
}

func TestOpenAt(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	r, err := b.RunWrite(ctx, setRoot("a", "1"))
	require.NoError(t, err)

	cfg.Name = "copy"
	copied, err := OpenAt(ctx, cfg, r.Version.Hash())
	require.NoError(t, err)
	assert.Equal(t, "1", rootProperty(t, copied, "a"))

	// existing branches keep their head
	head, err := b.HeadHash(ctx)
	require.NoError(t, err)
	cfg.Name = "main"
	same, err := OpenAt(ctx, cfg, r.Local.Hash())
	require.NoError(t, err)
	h, err := same.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, h)

	cfg.Name = "missing"
	_, err = OpenAt(ctx, cfg, types.Digest("nothing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	for _, id := range [][2]string{{"repo", "main"}, {"repo", "feature/x"}, {"other", "main"}, {"repo:branches:x", "y"}} {
		cfg.Repository, cfg.Name = id[0], id[1]
		_, err := Open(ctx, cfg)
		require.NoError(t, err)
	}

	repo, name, ok := ParseKey(Key("repo:branches:x", "a:b/c"))
	require.True(t, ok)
	assert.Equal(t, "repo:branches:x", repo)
	assert.Equal(t, "a:b/c", name)
	_, _, ok = ParseKey("unrelated")
	assert.False(t, ok)

	repos, err := Repositories(ctx, cfg.Refs)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "repo", "repo:branches:x"}, repos)

	names, err := Branches(ctx, cfg.Refs, "repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/x", "main"}, names)

	names, err = Branches(ctx, cfg.Refs, "missing")
	require.NoError(t, err)
	assert.Empty(t, names)
}

// gatedRefs holds every compare and swap until release is closed.
type gatedRefs struct {
	store.RefStore
	entered chan struct{}
	release chan struct{}
}

func (g gatedRefs) CompareAndSwapRef(ctx context.Context, key, expected string, expectExisting bool, value string) (bool, error) {
	if expectExisting {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.RefStore.CompareAndSwapRef(ctx, key, expected, expectExisting, value)
}

func TestCommitRunsOutsideWriteLock(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	refs := gatedRefs{RefStore: cfg.Refs, entered: make(chan struct{}, 8), release: make(chan struct{})}
	cfg.Refs = refs
	cfg.WriteLock = WriteLockFailFast
	b, err := Open(ctx, cfg)
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := b.RunWrite(ctx, setRoot("a", "1"))
		errs <- err
	}()
	<-refs.entered

	// the first commit is still waiting for its swap
	go func() {
		_, err := b.RunWrite(ctx, setRoot("b", "2"))
		errs <- err
	}()
	select {
	case <-refs.entered:
	case err := <-errs:
		t.Fatalf("second writer finished early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("second writer did not reach its commit")
	}
	close(refs.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, "1", rootProperty(t, b, "a"))
	assert.Equal(t, "2", rootProperty(t, b, "b"))
}

func TestImportSkipsDanglingOperations(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t))
	require.NoError(t, err)
	before, err := b.HeadHash(ctx)
	require.NoError(t, err)

	ops := []oplog.Operation{
		oplog.AddNewChild{Parent: types.RootID, Role: "items", Index: -1, Child: 0x10, Concept: "Item"},
		oplog.SetProperty{ID: 0x99, Role: "name", Value: types.StringPtr("lost")},
		oplog.SetProperty{ID: 0x10, Role: "name", Value: types.StringPtr("X")},
	}
	result, err := b.Import(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	var dangling *oplog.DanglingOperationError
	require.True(t, errors.As(result.Errors[0], &dangling))
	assert.Equal(t, types.NodeID(0x99), dangling.Missing)
	assert.Equal(t, 2, result.Version.NumberOfOperations())
	assert.Equal(t, []types.Hash{before}, result.Version.Parents())

	require.NoError(t, b.RunRead(ctx, func(tr *tree.Tree) error {
		name, _, err := tr.Property(ctx, 0x10, "name")
		assert.Equal(t, "X", name)
		return err
	}))

	result, err = b.Import(ctx, ops[1:2])
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	head, err := b.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, result.Version.Hash())
}
