package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/deltastream"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// Replica keeps a local branch in sync with the branch of the same
// repository and name on a server.
type Replica struct {
	client *Client
	local  *branch.Branch
	repo   string
	name   string
	deltas *deltastream.Cache
	log    *logrus.Logger

	// syncMu serializes pulls and pushes.
	syncMu sync.Mutex
	mu     sync.Mutex
	// remote is the last remote head this replica received or pushed.
	remote types.Hash
}

// OpenReplica opens the local branch described by cfg. A branch that does
// not exist locally is created from the remote history, or as a new branch
// when the server does not have it either.
func OpenReplica(ctx context.Context, client *Client, cfg branch.Config) (*Replica, error) {
	s := cfg.Graph.Store()
	deltas, err := deltastream.NewCache(s, deltastream.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Replica{
		client: client,
		repo:   cfg.Repository,
		name:   cfg.Name,
		deltas: deltas,
		log:    cfg.Logger,
	}
	if r.log == nil {
		r.log = log
	}

	var known types.Hash
	if current, found, err := cfg.Refs.GetRef(ctx, branch.Key(cfg.Repository, cfg.Name)); err != nil {
		return nil, err
	} else if found {
		known = types.Hash(current)
	}
	d, err := client.BranchDelta(ctx, r.repo, r.name, known)
	if errors.Is(err, store.ErrNotFound) {
		if r.local, err = branch.Open(ctx, cfg); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := deltastream.Apply(ctx, s, d); err != nil {
		return nil, err
	}
	if r.local, err = branch.OpenAt(ctx, cfg, d.Version); err != nil {
		return nil, err
	}
	if _, err := r.local.MergeVersion(ctx, d.Version); err != nil {
		return nil, err
	}
	r.setRemote(d.Version)
	return r, nil
}

func (r *Replica) Branch() *branch.Branch {
	return r.local
}

// Remote returns the last known remote head, empty before the first
// exchange with a server that had the branch.
func (r *Replica) Remote() types.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote
}

func (r *Replica) setRemote(h types.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = h
}

// Pull fetches the remote head and merges it into the local branch. A
// missing remote branch is nothing to pull.
func (r *Replica) Pull(ctx context.Context) (*branch.CommitResult, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	return r.pull(ctx)
}

func (r *Replica) pull(ctx context.Context) (*branch.CommitResult, error) {
	d, err := r.client.BranchDelta(ctx, r.repo, r.name, r.Remote())
	if errors.Is(err, store.ErrNotFound) {
		head, err := r.local.Head(ctx)
		if err != nil {
			return nil, err
		}
		return &branch.CommitResult{Version: head, Local: head}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.integrate(ctx, d)
}

func (r *Replica) integrate(ctx context.Context, d *deltastream.Delta) (*branch.CommitResult, error) {
	if err := deltastream.Apply(ctx, r.local.Graph().Store(), d); err != nil {
		return nil, err
	}
	result, err := r.local.MergeVersion(ctx, d.Version)
	if err != nil {
		return nil, err
	}
	r.setRemote(d.Version)
	if n := len(result.Conflicts); n > 0 {
		r.log.WithFields(logrus.Fields{
			"branch":    r.local.Key(),
			"remote":    d.Version.String(),
			"conflicts": n,
		}).Info("merged remote changes with conflicts")
	}
	return result, nil
}

// Push pulls, then sends the local head to the server and merges the
// server's answer back. The result is that of the final local merge.
func (r *Replica) Push(ctx context.Context) (*branch.CommitResult, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	pulled, err := r.pull(ctx)
	if err != nil {
		return nil, err
	}
	head := pulled.Version.Hash()
	remote := r.Remote()
	if head == remote {
		return pulled, nil
	}
	d, err := r.deltas.Get(ctx, head, remote)
	if err != nil {
		return nil, err
	}
	answer, err := r.client.Push(ctx, r.repo, r.name, d)
	if err != nil {
		return nil, fmt.Errorf("replication: pushing %s: %w", head, err)
	}
	r.log.WithFields(logrus.Fields{
		"branch":  r.local.Key(),
		"pushed":  head.String(),
		"objects": len(d.Objects),
		"remote":  answer.Version.String(),
	}).Debug("pushed")
	return r.integrate(ctx, answer)
}

// Run keeps the branches in sync until ctx is done: remote heads are pulled
// as the server announces them and local commits are pushed.
func (r *Replica) Run(ctx context.Context) error {
	if _, err := r.Push(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	remote, err := r.client.Listen(ctx, r.repo, r.name)
	if err != nil {
		return err
	}
	local, err := r.local.Watch(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		for h := range remote {
			if h == r.Remote() {
				continue
			}
			if _, err := r.Pull(ctx); err != nil {
				return err
			}
		}
		if ctx.Err() == nil {
			return fmt.Errorf("replication: listening on %s closed", r.local.Key())
		}
		return ctx.Err()
	})
	g.Go(func() error {
		for h := range local {
			if h == r.Remote() {
				continue
			}
			if _, err := r.Push(ctx); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
	return g.Wait()
}

// SyncAll pushes all replicas concurrently.
func SyncAll(ctx context.Context, replicas ...*Replica) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range replicas {
		r := r
		g.Go(func() error {
			_, err := r.Push(ctx)
			return err
		})
	}
	return g.Wait()
}
