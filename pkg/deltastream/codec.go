// Package deltastream computes, encodes and applies version deltas: the
// objects a receiver needs to hold a version, given one it already has.
//
// A stream is line based. Every data line is followed by an end of data line
// "$". The first data line is the version hash, then come pairs of object
// hash and object value, and a single "~" ends the stream.
package deltastream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
	workerpool "github.com/i5heu/ouroboros-model/pkg/workerPool"
)

const (
	endOfData   = "$"
	endOfStream = "~"

	verifyChunkSize = 256
)

// Delta is a version hash and objects of its history.
type Delta struct {
	Version types.Hash
	Objects []store.Object
}

// IncompleteDataError reports a stream that ended or broke off early.
type IncompleteDataError struct {
	Message string
}

func (e *IncompleteDataError) Error() string {
	return e.Message
}

// CorruptObjectError reports an object whose value does not match its hash.
type CorruptObjectError struct {
	Hash   types.Hash
	Actual types.Hash
}

func (e *CorruptObjectError) Error() string {
	return fmt.Sprintf("deltastream: corrupt object %s, value digests to %s", e.Hash, e.Actual)
}

// ErrLineBreak reports an object value that cannot be framed as one line.
var ErrLineBreak = errors.New("deltastream: object value contains a line break")

// CheckFraming fails for objects that Encode cannot write.
func CheckFraming(o store.Object) error {
	if strings.Contains(o.Value, "\n") {
		return fmt.Errorf("%w: %s", ErrLineBreak, o.Hash)
	}
	return nil
}

// Encode writes d as a stream. Nothing is written when an object value
// contains a line break.
func Encode(w io.Writer, d *Delta) error {
	for _, o := range d.Objects {
		if err := CheckFraming(o); err != nil {
			return err
		}
	}
	bw := bufio.NewWriter(w)
	line := func(s string) {
		bw.WriteString(s)
		bw.WriteString("\n" + endOfData + "\n")
	}
	line(d.Version.String())
	for _, o := range d.Objects {
		line(o.Hash.String())
		line(o.Value)
	}
	bw.WriteString(endOfStream)
	return bw.Flush()
}

// EncodeToString is Encode into a string. A delta Encode rejects gives "".
func EncodeToString(d *Delta) string {
	var sb strings.Builder
	if err := Encode(&sb, d); err != nil {
		return ""
	}
	return sb.String()
}

type reader struct {
	ctx context.Context
	r   *bufio.Reader
}

// line returns the next line without its newline. The last line of the
// input may lack the newline.
func (r *reader) line() (string, bool, error) {
	if err := r.ctx.Err(); err != nil {
		return "", false, err
	}
	s, err := r.r.ReadString('\n')
	switch {
	case err == io.EOF:
		return s, s != "", nil
	case err != nil:
		return "", false, err
	}
	return strings.TrimSuffix(s, "\n"), true, nil
}

// dataLine reads one data line. The end of stream marker has no end of
// data line and is returned as is.
func (r *reader) dataLine() (string, error) {
	data, ok, err := r.line()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &IncompleteDataError{Message: "Missing data line"}
	}
	if data == endOfStream {
		return data, nil
	}
	end, ok, err := r.line()
	if err != nil {
		return "", err
	}
	if !ok || end != endOfData {
		shown := "null"
		if ok {
			shown = end
		}
		return "", &IncompleteDataError{Message: fmt.Sprintf("Missing end of data line [dataLine=`%s`] [endOfDataLine=`%s`]", data, shown)}
	}
	return data, nil
}

type options struct {
	pool *workerpool.Pool
}

type Option func(*options)

// WithPool verifies object hashes on p instead of the package's shared pool.
func WithPool(p *workerpool.Pool) Option {
	return func(o *options) {
		o.pool = p
	}
}

var sharedPool = sync.OnceValue(func() *workerpool.Pool {
	return workerpool.New(workerpool.Config{})
})

// Decode reads a whole stream and verifies every object before returning.
// Nothing is returned for a stream that is truncated, corrupt or read under
// a canceled context.
func Decode(ctx context.Context, r io.Reader, opts ...Option) (*Delta, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == nil {
		o.pool = sharedPool()
	}

	in := &reader{ctx: ctx, r: bufio.NewReaderSize(r, 64*1024)}
	first, err := in.dataLine()
	if err != nil {
		return nil, err
	}
	if first == endOfStream {
		return nil, &IncompleteDataError{Message: "Version hash missing."}
	}
	version, err := types.ParseHash(first)
	if err != nil {
		return nil, fmt.Errorf("deltastream: version hash: %w", err)
	}

	d := &Delta{Version: version}
	for {
		hashLine, err := in.dataLine()
		if err != nil {
			return nil, err
		}
		if hashLine == endOfStream {
			break
		}
		value, err := in.dataLine()
		if err != nil {
			return nil, err
		}
		if value == endOfStream {
			return nil, &IncompleteDataError{Message: "Missing delta object."}
		}
		h, err := types.ParseHash(hashLine)
		if err != nil {
			return nil, fmt.Errorf("deltastream: object hash: %w", err)
		}
		d.Objects = append(d.Objects, store.Object{Hash: h, Value: value})
	}

	if err := verify(ctx, o.pool, d.Objects); err != nil {
		return nil, err
	}
	return d, nil
}

// verify checks all object hashes in chunks on the pool.
func verify(ctx context.Context, pool *workerpool.Pool, objects []store.Object) error {
	room := workerpool.NewRoom[struct{}](pool)
	for start := 0; start < len(objects); start += verifyChunkSize {
		chunk := objects[start:min(start+verifyChunkSize, len(objects))]
		err := room.NewTaskWaitForFreeSlot(ctx, func() (struct{}, error) {
			for _, o := range chunk {
				if actual := types.Digest(o.Value); actual != o.Hash {
					return struct{}{}, &CorruptObjectError{Hash: o.Hash, Actual: actual}
				}
			}
			return struct{}{}, nil
		})
		if err != nil {
			room.Collect()
			return err
		}
	}
	_, err := room.Collect()
	if err != nil {
		var corrupt *CorruptObjectError
		if errors.As(err, &corrupt) {
			return corrupt
		}
		return err
	}
	return ctx.Err()
}
