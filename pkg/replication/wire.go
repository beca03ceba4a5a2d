package replication

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// Object bodies are protobuf messages written field by field:
//
//	message Hashes  { repeated string hash = 1; }
//	message Record  { string hash = 1; string value = 2; bool found = 3; }
//	message Records { repeated Record record = 1; }
const (
	fieldItem  protowire.Number = 1
	fieldHash  protowire.Number = 1
	fieldValue protowire.Number = 2
	fieldFound protowire.Number = 3
)

const contentTypeProtobuf = "application/x-protobuf"

var ErrProtocol = errors.New("replication: malformed message")

func encodeHashes(hashes []types.Hash) []byte {
	var b []byte
	for _, h := range hashes {
		b = protowire.AppendTag(b, fieldItem, protowire.BytesType)
		b = protowire.AppendString(b, h.String())
	}
	return b
}

func decodeHashes(b []byte) ([]types.Hash, error) {
	var hashes []types.Hash
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldItem || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return n, nil
		}
		h, err := types.ParseHash(s)
		if err != nil {
			return 0, err
		}
		hashes = append(hashes, h)
		return n, nil
	})
	return hashes, err
}

// encodeEntries writes entries as records. Objects are entries that were
// found.
func encodeEntries(entries []store.Entry) []byte {
	var b, record []byte
	for _, e := range entries {
		record = record[:0]
		record = protowire.AppendTag(record, fieldHash, protowire.BytesType)
		record = protowire.AppendString(record, e.Hash.String())
		if e.Found {
			record = protowire.AppendTag(record, fieldValue, protowire.BytesType)
			record = protowire.AppendString(record, e.Value)
			record = protowire.AppendTag(record, fieldFound, protowire.VarintType)
			record = protowire.AppendVarint(record, protowire.EncodeBool(true))
		}
		b = protowire.AppendTag(b, fieldItem, protowire.BytesType)
		b = protowire.AppendBytes(b, record)
	}
	return b
}

func encodeObjects(objects []store.Object) []byte {
	entries := make([]store.Entry, len(objects))
	for i, o := range objects {
		entries[i] = store.Entry{Hash: o.Hash, Value: o.Value, Found: true}
	}
	return encodeEntries(entries)
}

func decodeEntries(b []byte) ([]store.Entry, error) {
	var entries []store.Entry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldItem || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		record, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		e, err := decodeRecord(record)
		if err != nil {
			return 0, err
		}
		entries = append(entries, e)
		return n, nil
	})
	return entries, err
}

func decodeRecord(b []byte) (store.Entry, error) {
	var e store.Entry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldHash && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			h, err := types.ParseHash(s)
			if err != nil {
				return 0, err
			}
			e.Hash = h
			return n, nil
		case num == fieldValue && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			e.Value = s
			return n, nil
		case num == fieldFound && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Found = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err == nil && e.Hash == "" {
		err = fmt.Errorf("%w: record without hash", ErrProtocol)
	}
	return e, err
}

func decodeObjects(b []byte) ([]store.Object, error) {
	entries, err := decodeEntries(b)
	if err != nil {
		return nil, err
	}
	objects := make([]store.Object, 0, len(entries))
	for _, e := range entries {
		if !e.Found {
			return nil, fmt.Errorf("%w: object %s without value", ErrProtocol, e.Hash)
		}
		objects = append(objects, store.Object{Hash: e.Hash, Value: e.Value})
	}
	return objects, nil
}

// consumeFields calls field for every field of the message in b. field
// returns the length of the value it consumed, negative for a protowire
// parse error.
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := field(num, typ, b)
		if errors.Is(err, ErrProtocol) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
