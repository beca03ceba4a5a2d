// Package branch keeps a named, mutable pointer to the latest version of a
// model. Writers commit by compare and swap; a writer that lost the race
// merges its commit with the new head and tries again.
package branch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/merge"
	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
	"github.com/i5heu/ouroboros-model/pkg/version"
)

var log = logrus.New()

func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

const (
	DefaultMaxRetries   = 5
	DefaultPollInterval = time.Second
	DefaultTreeID       = "model"
)

var (
	ErrTransactionInProgress = errors.New("branch: write transaction in progress")
	ErrBranchNotFound        = errors.New("branch: not found")
	ErrBranchExists          = errors.New("branch: already exists")
	ErrIncompleteConfig      = errors.New("branch: incomplete configuration")
)

// ConvergenceFailure is returned when a commit still lost the race after
// all retries.
type ConvergenceFailure struct {
	Local    types.Hash
	Remote   types.Hash
	Attempts int
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("branch: commit %s did not converge with %s after %d attempts", e.Local, e.Remote, e.Attempts)
}

type WriteLockMode int

const (
	// WriteLockBlock makes RunWrite wait for the running transaction.
	WriteLockBlock WriteLockMode = iota
	// WriteLockFailFast makes RunWrite return ErrTransactionInProgress.
	WriteLockFailFast
)

type Config struct {
	Repository string
	Name       string

	Graph *tree.Graph
	Refs  store.RefStore

	// Author is recorded in every version this branch commits.
	Author string
	// TreeID names the tree of the root version created for a new branch.
	TreeID string

	WriteLock    WriteLockMode
	MaxRetries   int
	PollInterval time.Duration

	Clock  func() time.Time
	Logger *logrus.Logger
}

func (c *Config) setDefaults() error {
	if c.Graph == nil || c.Refs == nil || c.Repository == "" || c.Name == "" {
		return ErrIncompleteConfig
	}
	if c.TreeID == "" {
		c.TreeID = DefaultTreeID
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

const (
	keyPrefix      = ":v2:repositories:"
	keyBranchesSep = ":branches:"
)

// Key returns the reference key of a branch.
func Key(repository, name string) string {
	return keyPrefix + repository + keyBranchesSep + types.Escape(name)
}

// ParseKey splits a reference key made by Key. Branch names are escaped and
// never contain the separator, so the last one ends the repository.
func ParseKey(key string) (repository, name string, ok bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, keyBranchesSep)
	if i < 0 {
		return "", "", false
	}
	name, err := types.Unescape(rest[i+len(keyBranchesSep):])
	if err != nil {
		return "", "", false
	}
	return rest[:i], name, true
}

// Repositories lists the repositories that have at least one branch, sorted.
func Repositories(ctx context.Context, refs store.RefStore) ([]string, error) {
	keys, err := refs.ListRefs(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for key := range keys {
		if repo, _, ok := ParseKey(key); ok {
			seen[repo] = struct{}{}
		}
	}
	repos := make([]string, 0, len(seen))
	for repo := range seen {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

// Branches lists the branch names of repository, sorted.
func Branches(ctx context.Context, refs store.RefStore, repository string) ([]string, error) {
	keys, err := refs.ListRefs(ctx, keyPrefix+repository+keyBranchesSep)
	if err != nil {
		return nil, err
	}
	var names []string
	for key := range keys {
		// the prefix also matches repositories named like "repo:branches:x"
		if repo, name, ok := ParseKey(key); ok && repo == repository {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

type Branch struct {
	cfg       Config
	key       string
	writeLock chan struct{}
	log       *logrus.Logger
}

// CommitResult describes a successful commit. Version is the new head; it
// differs from Local when the commit had to be merged with concurrent work.
type CommitResult struct {
	Version   *version.Version
	Local     *version.Version
	Conflicts []merge.Conflict
	Attempts  int
}

func newBranch(cfg Config) (*Branch, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Branch{
		cfg:       cfg,
		key:       Key(cfg.Repository, cfg.Name),
		writeLock: make(chan struct{}, 1),
		log:       cfg.Logger,
	}, nil
}

// Open returns the branch, creating it with an empty root version when the
// reference does not exist yet.
func Open(ctx context.Context, cfg Config) (*Branch, error) {
	b, err := newBranch(cfg)
	if err != nil {
		return nil, err
	}
	if _, found, err := b.cfg.Refs.GetRef(ctx, b.key); err != nil {
		return nil, err
	} else if found {
		return b, nil
	}
	if _, err := b.initialize(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Create creates a new branch and fails with ErrBranchExists if the
// reference is already set.
func Create(ctx context.Context, cfg Config) (*Branch, error) {
	b, err := newBranch(cfg)
	if err != nil {
		return nil, err
	}
	created, err := b.initialize(ctx)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, b.key)
	}
	return b, nil
}

// OpenAt returns the branch, creating it at head when the reference does not
// exist yet. head must be a version stored in the graph.
func OpenAt(ctx context.Context, cfg Config, head types.Hash) (*Branch, error) {
	b, err := newBranch(cfg)
	if err != nil {
		return nil, err
	}
	if _, found, err := b.cfg.Refs.GetRef(ctx, b.key); err != nil {
		return nil, err
	} else if found {
		return b, nil
	}
	if _, err := version.Load(ctx, b.cfg.Graph, head); err != nil {
		return nil, err
	}
	created, err := b.cfg.Refs.CompareAndSwapRef(ctx, b.key, "", false, head.String())
	if err != nil {
		return nil, err
	}
	if created {
		b.log.WithFields(logrus.Fields{
			"branch":  b.key,
			"version": head.String(),
		}).Info("created branch")
	}
	return b, nil
}

// Fork creates a new branch that starts at the head of b.
func (b *Branch) Fork(ctx context.Context, name string) (*Branch, error) {
	head, err := b.Head(ctx)
	if err != nil {
		return nil, err
	}
	cfg := b.cfg
	cfg.Name = name
	fork, err := newBranch(cfg)
	if err != nil {
		return nil, err
	}
	ok, err := fork.cfg.Refs.CompareAndSwapRef(ctx, fork.key, "", false, head.Hash().String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, fork.key)
	}
	return fork, nil
}

func (b *Branch) initialize(ctx context.Context) (bool, error) {
	root, err := version.NewRoot(ctx, b.cfg.Graph, b.cfg.TreeID, b.cfg.Author, b.cfg.Clock())
	if err != nil {
		return false, err
	}
	created, err := b.cfg.Refs.CompareAndSwapRef(ctx, b.key, "", false, root.Hash().String())
	if err != nil {
		return false, err
	}
	if created {
		b.log.WithFields(logrus.Fields{
			"branch":  b.key,
			"version": root.Hash().String(),
		}).Info("created branch")
	}
	return created, nil
}

func (b *Branch) Key() string {
	return b.key
}

func (b *Branch) Name() string {
	return b.cfg.Name
}

func (b *Branch) Graph() *tree.Graph {
	return b.cfg.Graph
}

// HeadHash reads the reference without loading the version.
func (b *Branch) HeadHash(ctx context.Context) (types.Hash, error) {
	value, found, err := b.cfg.Refs.GetRef(ctx, b.key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, b.key)
	}
	return types.ParseHash(value)
}

func (b *Branch) Head(ctx context.Context) (*version.Version, error) {
	h, err := b.HeadHash(ctx)
	if err != nil {
		return nil, err
	}
	return version.Load(ctx, b.cfg.Graph, h)
}

// RunRead calls fn with the tree of the current head. Reads take no lock.
func (b *Branch) RunRead(ctx context.Context, fn func(*tree.Tree) error) error {
	head, err := b.Head(ctx)
	if err != nil {
		return err
	}
	t, err := head.Tree(ctx)
	if err != nil {
		return err
	}
	return fn(t)
}

func (b *Branch) lock(ctx context.Context) error {
	if b.cfg.WriteLock == WriteLockFailFast {
		select {
		case b.writeLock <- struct{}{}:
			return nil
		default:
			return ErrTransactionInProgress
		}
	}
	select {
	case b.writeLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Branch) unlock() {
	<-b.writeLock
}

// RunWrite runs fn in a transaction on the current head and commits the
// result. Nothing is committed when fn fails or records no operation.
func (b *Branch) RunWrite(ctx context.Context, fn func(*oplog.Transaction) error) (*CommitResult, error) {
	head, ops, result, err := b.transact(ctx, func(base *tree.Tree) ([]oplog.Operation, *tree.Tree, error) {
		tx := oplog.NewTransaction(base)
		if err := fn(tx); err != nil {
			return nil, nil, err
		}
		return tx.Result(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return &CommitResult{Version: head, Local: head}, nil
	}
	return b.Commit(ctx, head.Hash(), result, ops)
}

// transact runs build on the head tree while holding the write lock. The
// lock is released before the commit; the reference swap is guarded by
// compare and swap alone.
func (b *Branch) transact(ctx context.Context, build func(*tree.Tree) ([]oplog.Operation, *tree.Tree, error)) (*version.Version, []oplog.Operation, *tree.Tree, error) {
	if err := b.lock(ctx); err != nil {
		return nil, nil, nil, err
	}
	defer b.unlock()

	head, err := b.Head(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	base, err := head.Tree(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	ops, result, err := build(base)
	if err != nil {
		return nil, nil, nil, err
	}
	return head, ops, result, nil
}

// ImportResult is a commit of the operations an import could apply.
type ImportResult struct {
	*CommitResult
	// Skipped counts operations that could not be applied, Errors holds
	// their reasons in order.
	Skipped int
	Errors  []error
}

// Import replays ops onto the head and commits the ones that apply. An
// operation on a missing node is skipped and counted instead of failing the
// import.
func (b *Branch) Import(ctx context.Context, ops []oplog.Operation) (*ImportResult, error) {
	var replay *oplog.ReplayResult
	head, applied, result, err := b.transact(ctx, func(base *tree.Tree) ([]oplog.Operation, *tree.Tree, error) {
		t, r, err := oplog.Replay(ctx, base, ops, oplog.ContinueOnError())
		if err != nil {
			return nil, nil, err
		}
		replay = r
		applied := make([]oplog.Operation, len(r.Applied))
		for i, a := range r.Applied {
			applied[i] = a.Operation
		}
		return applied, t, nil
	})
	if err != nil {
		return nil, err
	}
	imported := &ImportResult{Skipped: replay.Failed, Errors: replay.Errors}
	if replay.Failed > 0 {
		b.log.WithFields(logrus.Fields{
			"branch":  b.key,
			"applied": len(applied),
			"skipped": replay.Failed,
		}).Warn("skipped operations during import")
	}
	if len(applied) == 0 {
		imported.CommitResult = &CommitResult{Version: head, Local: head}
		return imported, nil
	}
	imported.CommitResult, err = b.Commit(ctx, head.Hash(), result, applied)
	if err != nil {
		return nil, err
	}
	return imported, nil
}

// Commit stores t as a child of base and moves the branch to it. When the
// branch moved on in the meantime, the commit is merged with the new head
// and the swap retried, up to MaxRetries times.
func (b *Branch) Commit(ctx context.Context, base types.Hash, t *tree.Tree, ops []oplog.Operation) (*CommitResult, error) {
	local, err := version.Create(ctx, b.cfg.Graph, t, []types.Hash{base}, b.cfg.Author, b.cfg.Clock(), ops)
	if err != nil {
		return nil, err
	}
	candidate, expected := local, base
	var conflicts []merge.Conflict
	for attempt := 1; ; attempt++ {
		ok, err := b.cfg.Refs.CompareAndSwapRef(ctx, b.key, expected.String(), true, candidate.Hash().String())
		if err != nil {
			return nil, err
		}
		if ok {
			b.log.WithFields(logrus.Fields{
				"branch":     b.key,
				"version":    candidate.Hash().String(),
				"operations": len(ops),
				"attempts":   attempt,
				"conflicts":  len(conflicts),
			}).Debug("committed")
			return &CommitResult{Version: candidate, Local: local, Conflicts: conflicts, Attempts: attempt}, nil
		}

		current, err := b.HeadHash(ctx)
		if err != nil {
			return nil, err
		}
		if attempt > b.cfg.MaxRetries {
			b.log.WithFields(logrus.Fields{
				"branch":   b.key,
				"local":    local.Hash().String(),
				"remote":   current.String(),
				"attempts": attempt,
			}).Warn("commit did not converge")
			return nil, &ConvergenceFailure{Local: local.Hash(), Remote: current, Attempts: attempt}
		}
		merged, err := merge.Merge(ctx, b.cfg.Graph, local.Hash(), current, b.cfg.Author, merge.WithClock(b.cfg.Clock))
		if err != nil {
			return nil, fmt.Errorf("branch: merging %s into %s: %w", local.Hash(), current, err)
		}
		candidate, expected, conflicts = merged.Version, current, merged.Conflicts
	}
}

// MergeVersion merges v, a version received from elsewhere, into the
// branch. A head that already contains v is left alone; a head that v
// contains is fast-forwarded.
func (b *Branch) MergeVersion(ctx context.Context, v types.Hash) (*CommitResult, error) {
	for attempt := 1; ; attempt++ {
		head, err := b.HeadHash(ctx)
		if err != nil {
			return nil, err
		}
		merged, err := merge.Merge(ctx, b.cfg.Graph, head, v, b.cfg.Author, merge.WithClock(b.cfg.Clock))
		if err != nil {
			return nil, fmt.Errorf("branch: merging %s into %s: %w", v, head, err)
		}
		result := &CommitResult{Version: merged.Version, Local: merged.Version, Conflicts: merged.Conflicts, Attempts: attempt}
		if merged.Version.Hash() == head {
			return result, nil
		}
		ok, err := b.cfg.Refs.CompareAndSwapRef(ctx, b.key, head.String(), true, merged.Version.Hash().String())
		if err != nil {
			return nil, err
		}
		if ok {
			b.log.WithFields(logrus.Fields{
				"branch":       b.key,
				"version":      merged.Version.Hash().String(),
				"fast_forward": merged.FastForward,
				"conflicts":    len(merged.Conflicts),
			}).Debug("merged version")
			return result, nil
		}
		if attempt > b.cfg.MaxRetries {
			return nil, &ConvergenceFailure{Local: v, Remote: head, Attempts: attempt}
		}
	}
}

// History returns the versions of the branch that are not reachable from
// until, newest first. An empty until returns the whole history.
func (b *Branch) History(ctx context.Context, until types.Hash) ([]*version.Version, error) {
	head, err := b.HeadHash(ctx)
	if err != nil {
		return nil, err
	}
	return version.History(ctx, b.cfg.Graph, head, until)
}
