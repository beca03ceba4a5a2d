package tree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

type ChildList struct {
	Role string
	List types.Hash
}

type Property struct {
	Role  string
	Value string
}

type Reference struct {
	Role   string
	Target types.NodeRef
}

// NodeData is the stored form of one node. Children, properties and
// references are sorted by role. A child role is only present while its list
// is non-empty.
type NodeData struct {
	ID           types.NodeID
	Concept      string
	ParentID     types.NodeID // zero for the root
	RoleInParent string
	Children     []ChildList
	Properties   []Property
	References   []Reference
}

const nodeFieldCount = 7

func (n *NodeData) Serialize() string {
	var b strings.Builder
	b.WriteString(n.ID.String())
	b.WriteString(types.SeparatorLevel1)
	b.WriteString(types.Escape(n.Concept))
	b.WriteString(types.SeparatorLevel1)
	if n.ParentID == 0 {
		b.WriteString("0")
	} else {
		b.WriteString(n.ParentID.String())
	}
	b.WriteString(types.SeparatorLevel1)
	b.WriteString(types.Escape(n.RoleInParent))
	b.WriteString(types.SeparatorLevel1)
	for i, c := range n.Children {
		if i > 0 {
			b.WriteString(types.SeparatorLevel2)
		}
		b.WriteString(types.Escape(c.Role) + types.SeparatorMapping + c.List.String())
	}
	b.WriteString(types.SeparatorLevel1)
	for i, p := range n.Properties {
		if i > 0 {
			b.WriteString(types.SeparatorLevel2)
		}
		b.WriteString(types.Escape(p.Role) + types.SeparatorMapping + types.Escape(p.Value))
	}
	b.WriteString(types.SeparatorLevel1)
	for i, r := range n.References {
		if i > 0 {
			b.WriteString(types.SeparatorLevel2)
		}
		b.WriteString(types.Escape(r.Role) + types.SeparatorMapping + r.Target.Serialize())
	}
	return b.String()
}

func ParseNodeData(s string) (*NodeData, error) {
	fields := strings.Split(s, types.SeparatorLevel1)
	if len(fields) != nodeFieldCount {
		return nil, fmt.Errorf("node with %d fields", len(fields))
	}
	id, err := types.ParseNodeID(fields[0])
	if err != nil {
		return nil, err
	}
	n := &NodeData{ID: id}
	if n.Concept, err = types.Unescape(fields[1]); err != nil {
		return nil, err
	}
	if fields[2] != "0" {
		if n.ParentID, err = types.ParseNodeID(fields[2]); err != nil {
			return nil, err
		}
	}
	if n.RoleInParent, err = types.Unescape(fields[3]); err != nil {
		return nil, err
	}
	err = parseMapping(fields[4], func(role, value string) error {
		h, err := types.ParseHash(value)
		if err != nil {
			return err
		}
		n.Children = append(n.Children, ChildList{Role: role, List: h})
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = parseMapping(fields[5], func(role, value string) error {
		v, err := types.Unescape(value)
		if err != nil {
			return err
		}
		n.Properties = append(n.Properties, Property{Role: role, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = parseMapping(fields[6], func(role, value string) error {
		target, err := types.ParseNodeRef(value)
		if err != nil {
			return err
		}
		n.References = append(n.References, Reference{Role: role, Target: target})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func parseMapping(field string, fn func(role, value string) error) error {
	if field == "" {
		return nil
	}
	for _, entry := range strings.Split(field, types.SeparatorLevel2) {
		key, value, ok := strings.Cut(entry, types.SeparatorMapping)
		if !ok {
			return fmt.Errorf("mapping entry %q without value", entry)
		}
		role, err := types.Unescape(key)
		if err != nil {
			return err
		}
		if err := fn(role, value); err != nil {
			return err
		}
	}
	return nil
}

func (n *NodeData) clone() *NodeData {
	c := *n
	c.Children = append([]ChildList(nil), n.Children...)
	c.Properties = append([]Property(nil), n.Properties...)
	c.References = append([]Reference(nil), n.References...)
	return &c
}

func (n *NodeData) Property(role string) (string, bool) {
	i := sort.Search(len(n.Properties), func(i int) bool { return n.Properties[i].Role >= role })
	if i < len(n.Properties) && n.Properties[i].Role == role {
		return n.Properties[i].Value, true
	}
	return "", false
}

func (n *NodeData) Reference(role string) (types.NodeRef, bool) {
	i := sort.Search(len(n.References), func(i int) bool { return n.References[i].Role >= role })
	if i < len(n.References) && n.References[i].Role == role {
		return n.References[i].Target, true
	}
	return types.NodeRef{}, false
}

func (n *NodeData) childList(role string) (types.Hash, bool) {
	i := sort.Search(len(n.Children), func(i int) bool { return n.Children[i].Role >= role })
	if i < len(n.Children) && n.Children[i].Role == role {
		return n.Children[i].List, true
	}
	return "", false
}

func (n *NodeData) setProperty(role string, value *string) {
	i := sort.Search(len(n.Properties), func(i int) bool { return n.Properties[i].Role >= role })
	exists := i < len(n.Properties) && n.Properties[i].Role == role
	switch {
	case value == nil && exists:
		n.Properties = append(n.Properties[:i], n.Properties[i+1:]...)
	case value == nil:
	case exists:
		n.Properties[i].Value = *value
	default:
		n.Properties = append(n.Properties, Property{})
		copy(n.Properties[i+1:], n.Properties[i:])
		n.Properties[i] = Property{Role: role, Value: *value}
	}
}

func (n *NodeData) setReference(role string, target *types.NodeRef) {
	i := sort.Search(len(n.References), func(i int) bool { return n.References[i].Role >= role })
	exists := i < len(n.References) && n.References[i].Role == role
	switch {
	case target == nil && exists:
		n.References = append(n.References[:i], n.References[i+1:]...)
	case target == nil:
	case exists:
		n.References[i].Target = *target
	default:
		n.References = append(n.References, Reference{})
		copy(n.References[i+1:], n.References[i:])
		n.References[i] = Reference{Role: role, Target: *target}
	}
}

// setChildList replaces the list of role; the empty hash removes the role.
func (n *NodeData) setChildList(role string, list types.Hash) {
	i := sort.Search(len(n.Children), func(i int) bool { return n.Children[i].Role >= role })
	exists := i < len(n.Children) && n.Children[i].Role == role
	switch {
	case list == "" && exists:
		n.Children = append(n.Children[:i], n.Children[i+1:]...)
	case list == "":
	case exists:
		n.Children[i].List = list
	default:
		n.Children = append(n.Children, ChildList{})
		copy(n.Children[i+1:], n.Children[i:])
		n.Children[i] = ChildList{Role: role, List: list}
	}
}
