// Package store defines the shared document store that brokers all
// cross-participant signaling state.
//
// The two participants in a call never talk to each other directly: the
// session document and its candidate sub-collections are the only channel
// between them, and change notifications are the only ordering signal.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by GetDocument when the document has never
	// been written.
	ErrNotFound = errors.New("store: document not found")
	// ErrAlreadyExists is returned by CreateIfAbsent when the document (or
	// any of the requested fields) already exists.
	ErrAlreadyExists = errors.New("store: document already exists")
	// ErrUnavailable is returned when the store cannot be reached or has
	// been closed. Callers must treat it as fatal for the current attempt.
	ErrUnavailable = errors.New("store: unavailable")
)

// Snapshot is an immutable view of a document at a point in time.
//
// Implementations must hand out copies; mutating a snapshot never affects
// the stored document.
type Snapshot struct {
	Exists bool
	Fields map[string]string
}

// Get returns the value of a field, or "" when absent.
func (s Snapshot) Get(key string) string {
	return s.Fields[key]
}

// Record is one append-only entry of a sub-collection.
type Record struct {
	ID     string
	Fields map[string]string
}

// CancelFunc stops a subscription. It blocks until no further callback can
// fire and is safe to call more than once.
type CancelFunc func()

// DocumentFunc receives document snapshots. Called once with the current
// snapshot on subscribe, then on every subsequent change.
type DocumentFunc func(Snapshot)

// RecordFunc receives collection records. Existing records are replayed in
// insertion order on subscribe; afterwards it fires once per appended
// record, never for updates (records are immutable).
type RecordFunc func(Record)

// Store is the document store surface the signaling subsystem consumes.
//
// Documents are addressed by opaque slash-separated paths. Writes are
// merges: fields absent from the write are preserved. Callbacks of a
// single subscription are delivered sequentially and in order.
type Store interface {
	// GetDocument fetches the document once. Returns ErrNotFound when the
	// document has never been written.
	GetDocument(ctx context.Context, path string) (Snapshot, error)

	// MergeWrite updates the given fields, creating the document if absent.
	MergeWrite(ctx context.Context, path string, fields map[string]string) error

	// CreateIfAbsent writes the given fields only if none of them exist on
	// the document yet; otherwise it returns ErrAlreadyExists and leaves
	// the document untouched.
	CreateIfAbsent(ctx context.Context, path string, fields map[string]string) error

	// AppendToCollection appends an immutable record and returns its id.
	AppendToCollection(ctx context.Context, path string, fields map[string]string) (string, error)

	// SubscribeDocument registers fn for document changes.
	SubscribeDocument(ctx context.Context, path string, fn DocumentFunc) (CancelFunc, error)

	// SubscribeCollection registers fn for appended records.
	SubscribeCollection(ctx context.Context, path string, fn RecordFunc) (CancelFunc, error)
}
