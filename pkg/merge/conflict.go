package merge

import (
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-model/pkg/oplog"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

type ConflictKind string

const (
	// ConflictDeleted drops changes to nodes the other side deleted.
	ConflictDeleted ConflictKind = "deleted"
	// ConflictConcurrentEdit drops the older of two values set for the same
	// property or reference.
	ConflictConcurrentEdit ConflictKind = "concurrent-edit"
	// ConflictConcurrentMove drops the older of two moves of the same node.
	ConflictConcurrentMove ConflictKind = "concurrent-move"
	// ConflictInapplicable drops an operation that no longer applies to the
	// merged tree, for example a move that would create a cycle.
	ConflictInapplicable ConflictKind = "inapplicable"
)

// Conflict reports one operation that is not part of a merge result.
type Conflict struct {
	Kind ConflictKind
	Node types.NodeID
	Role string

	Dropped oplog.Operation
	// Source is the version Dropped came from.
	Source types.Hash
	// Winner is the version whose change prevailed. It is empty for
	// ConflictInapplicable.
	Winner types.Hash
	Reason string
}

func (c Conflict) String() string {
	s := fmt.Sprintf("%s conflict on %s: dropped %s from %s", c.Kind, c.Node, c.Dropped.Serialize(), c.Source)
	if c.Reason != "" {
		s += ": " + c.Reason
	}
	return s
}

func roleOf(op oplog.Operation) string {
	switch o := op.(type) {
	case oplog.AddNewChild:
		return o.Role
	case oplog.MoveNode:
		return o.Role
	case oplog.SetProperty:
		return o.Role
	case oplog.SetReference:
		return o.Role
	}
	return ""
}

func newConflict(kind ConflictKind, op oplog.Operation, source, winner types.Hash) Conflict {
	return Conflict{
		Kind:    kind,
		Node:    op.Node(),
		Role:    roleOf(op),
		Dropped: op,
		Source:  source,
		Winner:  winner,
	}
}

func sortConflicts(conflicts []Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if sa, sb := a.Dropped.Serialize(), b.Dropped.Serialize(); sa != sb {
			return sa < sb
		}
		return a.Source < b.Source
	})
}
