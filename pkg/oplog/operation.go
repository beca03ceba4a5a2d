// Package oplog records the edits of a write transaction as typed
// operations, replays them onto trees and reconstructs them from two trees.
package oplog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/tree"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

var log = logrus.New()

func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

const (
	nameAddNewChild  = "AddNewChild"
	nameDeleteNode   = "DeleteNode"
	nameMoveNode     = "MoveNode"
	nameSetProperty  = "SetProperty"
	nameSetReference = "SetReference"
)

// Operation is one edit of a tree. The implementations are AddNewChild,
// DeleteNode, MoveNode, SetProperty and SetReference.
type Operation interface {
	// Serialize renders the operation as one line without separators of
	// higher levels.
	Serialize() string
	// Node is the node the operation creates, removes or changes.
	Node() types.NodeID
	apply(ctx context.Context, t *tree.Tree) (*tree.Tree, error)
}

type AddNewChild struct {
	Parent  types.NodeID
	Role    string
	Index   int
	Child   types.NodeID
	Concept string
}

type DeleteNode struct {
	ID types.NodeID
}

// MoveNode places ID at Index of NewParent's Role list. Index is the
// position after the node has left its previous slot.
type MoveNode struct {
	ID        types.NodeID
	NewParent types.NodeID
	Role      string
	Index     int
}

// SetProperty sets a property; a nil Value removes it.
type SetProperty struct {
	ID    types.NodeID
	Role  string
	Value *string
}

// SetReference sets a reference; a nil Target removes it.
type SetReference struct {
	ID     types.NodeID
	Role   string
	Target *types.NodeRef
}

func join(parts ...string) string {
	return strings.Join(parts, types.SeparatorLevel4)
}

func (o AddNewChild) Serialize() string {
	return join(nameAddNewChild, o.Parent.String(), types.Escape(o.Role), strconv.Itoa(o.Index), o.Child.String(), types.Escape(o.Concept))
}

func (o DeleteNode) Serialize() string {
	return join(nameDeleteNode, o.ID.String())
}

func (o MoveNode) Serialize() string {
	return join(nameMoveNode, o.ID.String(), o.NewParent.String(), types.Escape(o.Role), strconv.Itoa(o.Index))
}

func (o SetProperty) Serialize() string {
	return join(nameSetProperty, o.ID.String(), types.Escape(o.Role), types.EscapeNullable(o.Value))
}

func (o SetReference) Serialize() string {
	target := types.NullEncoding
	if o.Target != nil {
		target = o.Target.Serialize()
	}
	return join(nameSetReference, o.ID.String(), types.Escape(o.Role), target)
}

func (o AddNewChild) Node() types.NodeID  { return o.Child }
func (o DeleteNode) Node() types.NodeID   { return o.ID }
func (o MoveNode) Node() types.NodeID     { return o.ID }
func (o SetProperty) Node() types.NodeID  { return o.ID }
func (o SetReference) Node() types.NodeID { return o.ID }

func (o AddNewChild) String() string  { return o.Serialize() }
func (o DeleteNode) String() string   { return o.Serialize() }
func (o MoveNode) String() string     { return o.Serialize() }
func (o SetProperty) String() string  { return o.Serialize() }
func (o SetReference) String() string { return o.Serialize() }

// Parse reads an operation written by Serialize.
func Parse(s string) (Operation, error) {
	parts := strings.Split(s, types.SeparatorLevel4)
	arity := map[string]int{
		nameAddNewChild:  6,
		nameDeleteNode:   2,
		nameMoveNode:     5,
		nameSetProperty:  4,
		nameSetReference: 4,
	}
	want, ok := arity[parts[0]]
	if !ok {
		return nil, fmt.Errorf("oplog: unknown operation %q", parts[0])
	}
	if len(parts) != want {
		return nil, fmt.Errorf("oplog: %s with %d parts, want %d", parts[0], len(parts), want)
	}

	p := parser{parts: parts}
	var op Operation
	switch parts[0] {
	case nameAddNewChild:
		op = AddNewChild{Parent: p.id(1), Role: p.text(2), Index: p.index(3), Child: p.id(4), Concept: p.text(5)}
	case nameDeleteNode:
		op = DeleteNode{ID: p.id(1)}
	case nameMoveNode:
		op = MoveNode{ID: p.id(1), NewParent: p.id(2), Role: p.text(3), Index: p.index(4)}
	case nameSetProperty:
		value, err := types.UnescapeNullable(parts[3])
		if err != nil {
			p.fail(err)
		}
		op = SetProperty{ID: p.id(1), Role: p.text(2), Value: value}
	case nameSetReference:
		var target *types.NodeRef
		if parts[3] != types.NullEncoding {
			ref, err := types.ParseNodeRef(parts[3])
			if err != nil {
				p.fail(err)
			}
			target = &ref
		}
		op = SetReference{ID: p.id(1), Role: p.text(2), Target: target}
	}
	if p.err != nil {
		return nil, fmt.Errorf("oplog: parsing %q: %w", s, p.err)
	}
	return op, nil
}

// parser keeps the first error of a sequence of field conversions.
type parser struct {
	parts []string
	err   error
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *parser) id(i int) types.NodeID {
	id, err := types.ParseNodeID(p.parts[i])
	if err != nil {
		p.fail(err)
	}
	return id
}

func (p *parser) text(i int) string {
	s, err := types.Unescape(p.parts[i])
	if err != nil {
		p.fail(err)
	}
	return s
}

func (p *parser) index(i int) int {
	n, err := strconv.Atoi(p.parts[i])
	if err != nil {
		p.fail(err)
	}
	return n
}

// SerializeAll renders ops in order.
func SerializeAll(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Serialize()
	}
	return out
}

// ParseAll reverses SerializeAll.
func ParseAll(lines []string) ([]Operation, error) {
	ops := make([]Operation, len(lines))
	for i, l := range lines {
		op, err := Parse(l)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

// maxLineSize bounds one serialized operation in ReadAll.
const maxLineSize = 16 << 20

// WriteAll writes ops one per line.
func WriteAll(w io.Writer, ops []Operation) error {
	bw := bufio.NewWriter(w)
	for _, op := range ops {
		if _, err := bw.WriteString(op.Serialize() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadAll parses the lines written by WriteAll. Empty lines are ignored.
func ReadAll(r io.Reader) ([]Operation, error) {
	var ops []Operation
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		op, err := Parse(text)
		if err != nil {
			return nil, fmt.Errorf("oplog: line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("oplog: reading operations: %w", err)
	}
	return ops, nil
}
