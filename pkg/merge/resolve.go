package merge

import (
	"strings"

	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

type nodeSet map[types.NodeID]struct{}

func (s nodeSet) has(id types.NodeID) bool {
	_, ok := s[id]
	return ok
}

func (s nodeSet) clone() nodeSet {
	out := make(nodeSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// stamp orders concurrent changes: later commits win, the author breaks ties.
type stamp struct {
	time   int64
	author string
}

func (s stamp) compare(o stamp) int {
	switch {
	case s.time < o.time:
		return -1
	case s.time > o.time:
		return 1
	}
	return strings.Compare(s.author, o.author)
}

// side is the change of one merge input since the common ancestor.
type side struct {
	version types.Hash
	ops     []oplog.Operation
	stamps  []stamp
	keep    []bool
}

func (s *side) deleted() nodeSet {
	out := nodeSet{}
	for _, op := range s.ops {
		if d, ok := op.(oplog.DeleteNode); ok {
			out[d.ID] = struct{}{}
		}
	}
	return out
}

// touched returns the nodes an operation needs to exist.
func touched(op oplog.Operation) []types.NodeID {
	switch o := op.(type) {
	case oplog.AddNewChild:
		return []types.NodeID{o.Parent}
	case oplog.MoveNode:
		return []types.NodeID{o.ID, o.NewParent}
	case oplog.SetProperty:
		return []types.NodeID{o.ID}
	case oplog.SetReference:
		return []types.NodeID{o.ID}
	}
	return nil
}

// dropDeleted removes the operations of s that need a node the other side
// deleted. Nodes created under such a node are gone as well. A node deleted
// by both sides is deleted once, by the side that is applied first.
func (s *side) dropDeleted(other *side, appliedFirst bool) []Conflict {
	own := s.deleted()
	gone := other.deleted().clone()
	orphaned := nodeSet{}
	var conflicts []Conflict
	for i, op := range s.ops {
		if !s.keep[i] {
			continue
		}
		if d, ok := op.(oplog.DeleteNode); ok {
			if orphaned.has(d.ID) || (!appliedFirst && gone.has(d.ID)) {
				s.keep[i] = false
			}
			continue
		}
		hit, ownDelete := false, true
		for _, id := range touched(op) {
			if gone.has(id) {
				hit = true
				ownDelete = ownDelete && own.has(id) && !orphaned.has(id)
			}
		}
		if !hit {
			continue
		}
		if add, ok := op.(oplog.AddNewChild); ok {
			gone[add.Child] = struct{}{}
			orphaned[add.Child] = struct{}{}
		}
		switch {
		case ownDelete && appliedFirst:
			// this side deletes the node itself later on
		case ownDelete:
			s.keep[i] = false
		default:
			s.keep[i] = false
			conflicts = append(conflicts, newConflict(ConflictDeleted, op, s.version, other.version))
		}
	}
	return conflicts
}

type attributeKey struct {
	node      types.NodeID
	role      string
	reference bool
}

func attributeOf(op oplog.Operation) (attributeKey, bool) {
	switch o := op.(type) {
	case oplog.SetProperty:
		return attributeKey{node: o.ID, role: o.Role}, true
	case oplog.SetReference:
		return attributeKey{node: o.ID, role: o.Role, reference: true}, true
	}
	return attributeKey{}, false
}

// last returns the index of the last kept operation per key.
func last[K comparable](s *side, key func(oplog.Operation) (K, bool)) map[K]int {
	out := make(map[K]int)
	for i, op := range s.ops {
		if !s.keep[i] {
			continue
		}
		if k, ok := key(op); ok {
			out[k] = i
		}
	}
	return out
}

func moveOf(op oplog.Operation) (types.NodeID, bool) {
	if m, ok := op.(oplog.MoveNode); ok {
		return m.ID, true
	}
	return 0, false
}

// firstWins decides between the last changes i of a and j of b.
func firstWins(a *side, i int, b *side, j int) bool {
	if c := a.stamps[i].compare(b.stamps[j]); c != 0 {
		return c > 0
	}
	return a.ops[i].Serialize() > b.ops[j].Serialize()
}

func (s *side) dropWhere(match func(oplog.Operation) bool) {
	for i, op := range s.ops {
		if s.keep[i] && match(op) {
			s.keep[i] = false
		}
	}
}

// resolveConcurrent keeps one side's value for attributes and node positions
// both sides changed.
func resolveConcurrent(first, second *side) []Conflict {
	var conflicts []Conflict

	secondSets := last(second, attributeOf)
	for key, i := range last(first, attributeOf) {
		key := key
		j, ok := secondSets[key]
		if !ok || first.ops[i].Serialize() == second.ops[j].Serialize() {
			continue
		}
		winner, loser, dropped := first, second, second.ops[j]
		if !firstWins(first, i, second, j) {
			winner, loser, dropped = second, first, first.ops[i]
		}
		loser.dropWhere(func(op oplog.Operation) bool {
			k, ok := attributeOf(op)
			return ok && k == key
		})
		conflicts = append(conflicts, newConflict(ConflictConcurrentEdit, dropped, loser.version, winner.version))
	}

	secondMoves := last(second, moveOf)
	for id, i := range last(first, moveOf) {
		id := id
		j, ok := secondMoves[id]
		if !ok {
			continue
		}
		winner, loser := first, second
		won, lost := first.ops[i].(oplog.MoveNode), second.ops[j].(oplog.MoveNode)
		if !firstWins(first, i, second, j) {
			winner, loser = second, first
			won, lost = lost, won
		}
		loser.dropWhere(func(op oplog.Operation) bool {
			m, ok := moveOf(op)
			return ok && m == id
		})
		if won.NewParent != lost.NewParent || won.Role != lost.Role {
			conflicts = append(conflicts, newConflict(ConflictConcurrentMove, lost, loser.version, winner.version))
		}
	}
	return conflicts
}
