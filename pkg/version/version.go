// Package version stores immutable snapshots of trees together with their
// lineage and, optionally, the operations that produced them.
package version

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var (
	ErrMalformedVersion  = errors.New("version: malformed version object")
	ErrNoCommonAncestor  = errors.New("version: no common ancestor")
	ErrOperationsMissing = errors.New("version: operations not retained")
)

const (
	versionPrefix     = "V" + types.SeparatorLevel1
	versionFieldCount = 7
)

type Version struct {
	graph *tree.Graph

	hash       types.Hash
	tree       types.Hash
	parents    []types.Hash
	author     string
	timestamp  int64
	operations types.Hash
	opCount    int
}

func (v *Version) serialize() string {
	parents := make([]string, len(v.parents))
	for i, p := range v.parents {
		parents[i] = p.String()
	}
	ops := types.NullEncoding
	if v.operations != "" {
		ops = v.operations.String()
	}
	return versionPrefix + strings.Join([]string{
		strconv.FormatInt(v.timestamp, 10),
		types.Escape(v.author),
		v.tree.String(),
		strings.Join(parents, types.SeparatorLevel2),
		strconv.Itoa(v.opCount),
		ops,
	}, types.SeparatorLevel1)
}

func parse(g *tree.Graph, h types.Hash, s string) (*Version, error) {
	if !strings.HasPrefix(s, versionPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedVersion, h)
	}
	fields := strings.Split(s, types.SeparatorLevel1)
	if len(fields) != versionFieldCount {
		return nil, fmt.Errorf("%w: %s has %d fields", ErrMalformedVersion, h, len(fields))
	}
	v := &Version{graph: g, hash: h}
	var err error
	if v.timestamp, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVersion, h, err)
	}
	if v.author, err = types.Unescape(fields[2]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVersion, h, err)
	}
	if v.tree, err = types.ParseHash(fields[3]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVersion, h, err)
	}
	if fields[4] != "" {
		for _, p := range strings.Split(fields[4], types.SeparatorLevel2) {
			ph, err := types.ParseHash(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVersion, h, err)
			}
			v.parents = append(v.parents, ph)
		}
	}
	if v.opCount, err = strconv.Atoi(fields[5]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVersion, h, err)
	}
	if fields[6] != types.NullEncoding {
		if v.operations, err = types.ParseHash(fields[6]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVersion, h, err)
		}
	}
	return v, nil
}

// Create flushes t and stores a version of it. A nil ops slice stores no
// operations, as for merges; an empty one stores an empty log.
func Create(ctx context.Context, g *tree.Graph, t *tree.Tree, parents []types.Hash, author string, timestamp time.Time, ops []oplog.Operation) (*Version, error) {
	if _, err := t.Flush(ctx); err != nil {
		return nil, fmt.Errorf("version: storing tree: %w", err)
	}
	s := g.NewSession()
	v := &Version{
		graph:     g,
		tree:      t.Hash(),
		parents:   append([]types.Hash(nil), parents...),
		author:    author,
		timestamp: timestamp.UnixMilli(),
		opCount:   len(ops),
	}
	if ops != nil {
		list, err := s.NewList(oplog.SerializeAll(ops))
		if err != nil {
			return nil, err
		}
		v.operations = list.Hash()
	}
	v.hash = s.Add(v.serialize())
	if _, err := s.Flush(ctx, v.hash); err != nil {
		return nil, fmt.Errorf("version: storing version: %w", err)
	}
	return v, nil
}

// NewRoot stores a version of an empty tree without parents.
func NewRoot(ctx context.Context, g *tree.Graph, treeID, author string, timestamp time.Time) (*Version, error) {
	return Create(ctx, g, g.NewTree(treeID), nil, author, timestamp, nil)
}

func Load(ctx context.Context, g *tree.Graph, h types.Hash) (*Version, error) {
	s, err := g.NewSession().Load(ctx, h)
	if err != nil {
		return nil, err
	}
	return parse(g, h, s)
}

// LoadAll loads versions with one batched read.
func LoadAll(ctx context.Context, g *tree.Graph, hashes []types.Hash) ([]*Version, error) {
	entries, err := g.Store().GetAll(ctx, hashes)
	if err != nil {
		return nil, err
	}
	out := make([]*Version, len(entries))
	for i, e := range entries {
		if !e.Found {
			return nil, fmt.Errorf("version: %w: %s", store.ErrNotFound, e.Hash)
		}
		if out[i], err = parse(g, e.Hash, e.Value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (v *Version) Hash() types.Hash {
	return v.hash
}

func (v *Version) TreeHash() types.Hash {
	return v.tree
}

func (v *Version) Parents() []types.Hash {
	return append([]types.Hash(nil), v.parents...)
}

func (v *Version) IsMerge() bool {
	return len(v.parents) > 1
}

func (v *Version) Author() string {
	return v.author
}

// Timestamp is the commit time in milliseconds since the Unix epoch.
func (v *Version) Timestamp() int64 {
	return v.timestamp
}

func (v *Version) Time() time.Time {
	return time.UnixMilli(v.timestamp)
}

func (v *Version) NumberOfOperations() int {
	return v.opCount
}

// HasOperations reports whether the operation log was retained.
func (v *Version) HasOperations() bool {
	return v.operations != ""
}

func (v *Version) Tree(ctx context.Context) (*tree.Tree, error) {
	return v.graph.LoadTree(ctx, v.tree)
}

func (v *Version) Operations(ctx context.Context) ([]oplog.Operation, error) {
	if v.operations == "" {
		return nil, fmt.Errorf("%w: %s", ErrOperationsMissing, v.hash)
	}
	lines, err := v.graph.NewSession().OpenList(v.operations).Elements(ctx)
	if err != nil {
		return nil, err
	}
	return oplog.ParseAll(lines)
}

func (v *Version) String() string {
	return v.hash.String()
}
