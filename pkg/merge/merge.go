// Package merge combines two versions of a tree into one. Both sides'
// changes since their common ancestor are replayed onto it; where the changes
// collide, deletes win and otherwise the later commit wins. Every operation
// left out is reported as a Conflict. The result does not depend on the
// order of the two inputs.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/oplog"
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

type Result struct {
	// Version is the merge commit, or one of the inputs when no merge
	// commit was necessary.
	Version *version.Version
	Tree    *tree.Tree

	Conflicts []Conflict
	// FastForward is set when the first input is an ancestor of the second.
	FastForward bool
}

type options struct {
	clock func() time.Time
}

type Option func(*options)

// WithClock sets the time source for the merge commit.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// Merge merges version b into version a. The merge commit has the parents
// [a, b] and carries no operation log.
func Merge(ctx context.Context, g *tree.Graph, a, b types.Hash, author string, opts ...Option) (*Result, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	va, err := version.Load(ctx, g, a)
	if err != nil {
		return nil, err
	}
	if a == b {
		return unchanged(ctx, va, false)
	}
	ancestor, err := version.CommonAncestor(ctx, g, a, b)
	if err != nil {
		return nil, err
	}
	if ancestor == b {
		return unchanged(ctx, va, false)
	}
	vb, err := version.Load(ctx, g, b)
	if err != nil {
		return nil, err
	}
	if ancestor == a {
		return unchanged(ctx, vb, true)
	}

	vo, err := version.Load(ctx, g, ancestor)
	if err != nil {
		return nil, err
	}
	base, err := vo.Tree(ctx)
	if err != nil {
		return nil, err
	}
	first, err := loadSide(ctx, g, ancestor, base, va)
	if err != nil {
		return nil, err
	}
	second, err := loadSide(ctx, g, ancestor, base, vb)
	if err != nil {
		return nil, err
	}
	if second.version < first.version {
		first, second = second, first
	}

	merged, conflicts, err := mergeSides(ctx, base, first, second)
	if err != nil {
		return nil, err
	}
	v, err := version.Create(ctx, g, merged, []types.Hash{a, b}, author, o.clock(), nil)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"ancestor":  ancestor.String(),
		"local":     a.String(),
		"remote":    b.String(),
		"merged":    v.Hash().String(),
		"conflicts": len(conflicts),
	}).Debug("merged versions")
	return &Result{Version: v, Tree: merged, Conflicts: conflicts}, nil
}

func unchanged(ctx context.Context, v *version.Version, fastForward bool) (*Result, error) {
	t, err := v.Tree(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Version: v, Tree: t, FastForward: fastForward}, nil
}

// mergeSides resolves collisions and replays first, then second, onto base.
func mergeSides(ctx context.Context, base *tree.Tree, first, second *side) (*tree.Tree, []Conflict, error) {
	var conflicts []Conflict
	conflicts = append(conflicts, first.dropDeleted(second, true)...)
	conflicts = append(conflicts, second.dropDeleted(first, false)...)
	conflicts = append(conflicts, resolveConcurrent(first, second)...)

	merged := base
	for _, s := range []*side{first, second} {
		source := s.version
		var err error
		_, merged, err = oplog.Rebase(ctx, base, merged, s.ops, s.keep, func(_ int, op oplog.Operation, cause error) error {
			c := newConflict(ConflictInapplicable, op, source, "")
			c.Reason = cause.Error()
			conflicts = append(conflicts, c)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("merge: replaying %s: %w", source, err)
		}
	}
	sortConflicts(conflicts)
	return merged, conflicts, nil
}

// loadSide collects the operations leading from the ancestor to head. The
// retained logs are used when the path is a chain of plain commits; any
// other history is reconstructed from the two trees.
func loadSide(ctx context.Context, g *tree.Graph, ancestor types.Hash, base *tree.Tree, head *version.Version) (*side, error) {
	s := &side{version: head.Hash()}
	chain, err := linearChain(ctx, g, ancestor, head)
	if err != nil {
		return nil, err
	}
	if chain != nil {
		for _, v := range chain {
			ops, err := v.Operations(ctx)
			if err != nil {
				return nil, err
			}
			st := stamp{time: v.Timestamp(), author: v.Author()}
			for _, op := range ops {
				s.ops = append(s.ops, op)
				s.stamps = append(s.stamps, st)
			}
		}
	} else {
		target, err := head.Tree(ctx)
		if err != nil {
			return nil, err
		}
		if s.ops, err = oplog.Diff(ctx, base, target); err != nil {
			return nil, err
		}
		st := stamp{time: head.Timestamp(), author: head.Author()}
		for range s.ops {
			s.stamps = append(s.stamps, st)
		}
		log.WithFields(logrus.Fields{
			"version":    head.Hash().String(),
			"operations": len(s.ops),
		}).Debug("reconstructed operations from tree difference")
	}
	s.keep = make([]bool, len(s.ops))
	for i := range s.keep {
		s.keep[i] = true
	}
	return s, nil
}

// linearChain returns the versions after ancestor up to head, oldest first,
// or nil when one of them is a merge or has no retained log.
func linearChain(ctx context.Context, g *tree.Graph, ancestor types.Hash, head *version.Version) ([]*version.Version, error) {
	var chain []*version.Version
	for v := head; v.Hash() != ancestor; {
		parents := v.Parents()
		if len(parents) != 1 || !v.HasOperations() {
			return nil, nil
		}
		chain = append(chain, v)
		next, err := version.Load(ctx, g, parents[0])
		if err != nil {
			return nil, err
		}
		v = next
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
