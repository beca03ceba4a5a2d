package version

import (
	"context"
	"sort"

	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

const (
	fromA uint8 = 1 << iota
	fromB
	// stale marks ancestors of a common ancestor already found
	stale
)

// CommonAncestor returns the lowest version reachable from both a and b.
// Both histories are painted breadth first until every version still queued
// lies below a found common ancestor; found versions below another one are
// dropped. Of several lowest ones, as in criss-cross merges, the smallest
// hash wins, so the result does not depend on the argument order.
func CommonAncestor(ctx context.Context, g *tree.Graph, a, b types.Hash) (types.Hash, error) {
	if a == b {
		return a, nil
	}
	flags := map[types.Hash]uint8{a: fromA, b: fromB}
	frontier := []types.Hash{a, b}
	var candidates []types.Hash
	for live(frontier, flags) {
		versions, err := LoadAll(ctx, g, frontier)
		if err != nil {
			return "", err
		}
		var next []types.Hash
		queued := make(map[types.Hash]struct{})
		for _, v := range versions {
			f := flags[v.hash]
			if f&(fromA|fromB) == fromA|fromB && f&stale == 0 {
				candidates = append(candidates, v.hash)
				f |= stale
				flags[v.hash] = f
			}
			for _, p := range v.parents {
				if flags[p]|f == flags[p] {
					continue
				}
				flags[p] |= f
				if _, ok := queued[p]; !ok {
					queued[p] = struct{}{}
					next = append(next, p)
				}
			}
		}
		frontier = next
	}

	switch len(candidates) {
	case 0:
		return "", ErrNoCommonAncestor
	case 1:
		return candidates[0], nil
	}
	lowest, err := dropAncestors(ctx, g, candidates)
	if err != nil {
		return "", err
	}
	sort.Slice(lowest, func(i, j int) bool { return lowest[i] < lowest[j] })
	return lowest[0], nil
}

func live(frontier []types.Hash, flags map[types.Hash]uint8) bool {
	for _, h := range frontier {
		if flags[h]&stale == 0 {
			return true
		}
	}
	return false
}

// dropAncestors removes the candidates that are ancestors of another one.
func dropAncestors(ctx context.Context, g *tree.Graph, candidates []types.Hash) ([]types.Hash, error) {
	versions, err := LoadAll(ctx, g, candidates)
	if err != nil {
		return nil, err
	}
	var parents []types.Hash
	for _, v := range versions {
		parents = append(parents, v.parents...)
	}
	below, err := ancestors(ctx, g, parents)
	if err != nil {
		return nil, err
	}
	var out []types.Hash
	for _, c := range candidates {
		if _, ok := below[c]; !ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Ancestors returns from and every version reachable through its parents.
func Ancestors(ctx context.Context, g *tree.Graph, from types.Hash) (map[types.Hash]struct{}, error) {
	return ancestors(ctx, g, []types.Hash{from})
}

func ancestors(ctx context.Context, g *tree.Graph, from []types.Hash) (map[types.Hash]struct{}, error) {
	seen := make(map[types.Hash]struct{}, len(from))
	var frontier []types.Hash
	for _, h := range from {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			frontier = append(frontier, h)
		}
	}
	for len(frontier) > 0 {
		versions, err := LoadAll(ctx, g, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0:0]
		for _, v := range versions {
			for _, p := range v.parents {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				frontier = append(frontier, p)
			}
		}
	}
	return seen, nil
}

// History returns the versions reachable from from but not from until,
// breadth first, starting with from. An empty until returns the whole
// history.
func History(ctx context.Context, g *tree.Graph, from, until types.Hash) ([]*Version, error) {
	excluded := map[types.Hash]struct{}{}
	if until != "" {
		var err error
		if excluded, err = Ancestors(ctx, g, until); err != nil {
			return nil, err
		}
	}
	if _, ok := excluded[from]; ok {
		return nil, nil
	}

	var out []*Version
	seen := map[types.Hash]struct{}{from: {}}
	frontier := []types.Hash{from}
	for len(frontier) > 0 {
		versions, err := LoadAll(ctx, g, frontier)
		if err != nil {
			return nil, err
		}
		out = append(out, versions...)
		frontier = frontier[:0:0]
		for _, v := range versions {
			for _, p := range v.parents {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				if _, ok := excluded[p]; ok {
					continue
				}
				frontier = append(frontier, p)
			}
		}
	}
	return out, nil
}
