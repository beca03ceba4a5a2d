package types

import (
	"fmt"
	"strconv"
)

// NodeID addresses a node inside a tree. Zero is never a valid id.
type NodeID uint64

// RootID is the id of every tree's root node.
const RootID NodeID = 1

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid node id %q: zero", s)
	}
	return NodeID(v), nil
}

// NodeRef is the target of a reference. An empty TreeID points into the
// tree that holds the reference.
type NodeRef struct {
	TreeID string
	ID     NodeID
}

func LocalRef(id NodeID) NodeRef {
	return NodeRef{ID: id}
}

func (r NodeRef) IsLocal() bool {
	return r.TreeID == ""
}

// Serialize renders the reference as one escaped token.
func (r NodeRef) Serialize() string {
	if r.IsLocal() {
		return r.ID.String()
	}
	return Escape(r.TreeID + SeparatorLevel4 + r.ID.String())
}

func (r NodeRef) String() string {
	if r.IsLocal() {
		return r.ID.String()
	}
	return r.TreeID + SeparatorLevel4 + r.ID.String()
}

// ParseNodeRef reverses NodeRef.Serialize.
func ParseNodeRef(s string) (NodeRef, error) {
	raw, err := Unescape(s)
	if err != nil {
		return NodeRef{}, err
	}
	sep := -1
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == SeparatorLevel4[0] {
			sep = i
			break
		}
	}
	if sep < 0 {
		id, err := ParseNodeID(raw)
		if err != nil {
			return NodeRef{}, err
		}
		return LocalRef(id), nil
	}
	if sep == 0 {
		return NodeRef{}, fmt.Errorf("invalid node reference %q: empty tree id", raw)
	}
	id, err := ParseNodeID(raw[sep+1:])
	if err != nil {
		return NodeRef{}, err
	}
	return NodeRef{TreeID: raw[:sep], ID: id}, nil
}
