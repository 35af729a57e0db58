// Package docstore is the document-store client used by the repositories: JSON documents
// addressed by collection and id, top-level field updates with optional preconditions,
// query-by-field, and atomic batches capped at MaxBatchOps operations.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxBatchOps is the largest number of operations a single Batch call may carry.
const MaxBatchOps = 500

var (
	ErrNotFound      = errors.New("document not found")
	ErrConflict      = errors.New("document changed concurrently")
	ErrBatchTooLarge = errors.New("batch exceeds operation limit")
)

type Store interface {
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Set(ctx context.Context, collection, id string, doc any) error
	Update(ctx context.Context, collection, id string, fields map[string]any, conds ...Precondition) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string) ([]json.RawMessage, error)
	Query(ctx context.Context, collection, field, value string) ([]json.RawMessage, error)
	Batch(ctx context.Context, ops []Op) error
	Ping(ctx context.Context) error
	Close() error
}

type OpKind int

const (
	OpSet OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one write inside a Batch.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Doc        any
	Fields     map[string]any
	// SkipMissing drops an update whose document no longer exists instead of
	// failing the whole batch.
	SkipMissing bool
}

func SetOp(collection, id string, doc any) Op {
	return Op{Kind: OpSet, Collection: collection, ID: id, Doc: doc}
}

func UpdateOp(collection, id string, fields map[string]any) Op {
	return Op{Kind: OpUpdate, Collection: collection, ID: id, Fields: fields}
}

func DeleteOp(collection, id string) Op {
	return Op{Kind: OpDelete, Collection: collection, ID: id}
}

// Precondition requires a top-level field to hold Value (JSON-equal) before an update
// is applied. A missing field compares equal to null.
type Precondition struct {
	Field string
	Value any
}

func FieldEquals(field string, value any) Precondition {
	return Precondition{Field: field, Value: value}
}

// ChunkOps splits ops into consecutive slices of at most size operations.
func ChunkOps(ops []Op, size int) [][]Op {
	if size <= 0 || size > MaxBatchOps {
		size = MaxBatchOps
	}
	chunks := make([][]Op, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		chunks = append(chunks, ops[start:end])
	}
	return chunks
}

func mergeFields(current []byte, fields map[string]any) ([]byte, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	for field, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", field, err)
		}
		doc[field] = raw
	}
	return json.Marshal(doc)
}

func preconditionsHold(current []byte, conds []Precondition) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &doc); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	for _, cond := range conds {
		want, err := json.Marshal(cond.Value)
		if err != nil {
			return false, fmt.Errorf("encode precondition %s: %w", cond.Field, err)
		}
		if !rawEqual(doc[cond.Field], want) {
			return false, nil
		}
	}
	return true, nil
}

func fieldMatches(raw []byte, field, value string) bool {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	var got string
	if err := json.Unmarshal(doc[field], &got); err != nil {
		return false
	}
	return got == value
}

func rawEqual(got json.RawMessage, want []byte) bool {
	if len(got) == 0 {
		got = json.RawMessage("null")
	}
	var a, b bytes.Buffer
	if err := json.Compact(&a, got); err != nil {
		return false
	}
	if err := json.Compact(&b, want); err != nil {
		return false
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}
