// Package memstore is the in-process implementation of store.Store.
//
// It backs the store server binary and every test that does not need a
// network between the participants. Change notifications are delivered
// from one goroutine per subscription so a slow subscriber never blocks
// writers or other subscribers.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/natarajanspnk/studio-signaling/internal/store"
	"github.com/natarajanspnk/studio-signaling/internal/store/eventq"
)

// DefaultRetentionPeriod is how long a session document and its
// sub-collections are kept after the last write. Calls are retained well
// past hang-up so participants can rejoin and history can be inspected,
// but documents do not accumulate forever.
const DefaultRetentionPeriod = 24 * time.Hour

const sweepInterval = time.Minute

// Options configures a Store.
type Options struct {
	// RetentionPeriod is the time since the last document write after
	// which the document and its sub-collections are removed. Zero means
	// DefaultRetentionPeriod; negative disables expiry.
	RetentionPeriod time.Duration
}

type document struct {
	fields    map[string]string
	lastWrite time.Time
}

type collection struct {
	records   []store.Record
	lastWrite time.Time
}

// Store is an in-memory store.Store.
type Store struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	closed  bool
	docs    map[string]*document
	cols    map[string]*collection
	docSubs map[string]map[*eventq.Queue[store.Snapshot]]struct{}
	colSubs map[string]map[*eventq.Queue[store.Record]]struct{}

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// New returns a ready Store. Call Close when done to stop the retention
// janitor and cancel all subscriptions.
func New(opts Options) *Store {
	retention := opts.RetentionPeriod
	if retention == 0 {
		retention = DefaultRetentionPeriod
	}
	s := &Store{
		retention:   retention,
		now:         time.Now,
		docs:        make(map[string]*document),
		cols:        make(map[string]*collection),
		docSubs:     make(map[string]map[*eventq.Queue[store.Snapshot]]struct{}),
		colSubs:     make(map[string]map[*eventq.Queue[store.Record]]struct{}),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if retention > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}
	return s
}

func (s *Store) GetDocument(ctx context.Context, path string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Snapshot{}, store.ErrUnavailable
	}
	doc, ok := s.docs[path]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snapshotOf(doc), nil
}

func (s *Store) MergeWrite(ctx context.Context, path string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	s.mergeLocked(path, fields)
	return nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, path string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	if doc, ok := s.docs[path]; ok {
		for key := range fields {
			if _, exists := doc.fields[key]; exists {
				return store.ErrAlreadyExists
			}
		}
	}
	s.mergeLocked(path, fields)
	return nil
}

func (s *Store) AppendToCollection(ctx context.Context, path string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrUnavailable
	}
	col, ok := s.cols[path]
	if !ok {
		col = &collection{}
		s.cols[path] = col
	}
	rec := store.Record{
		ID:     uuid.NewString(),
		Fields: copyFields(fields),
	}
	col.records = append(col.records, rec)
	col.lastWrite = s.now()
	for sub := range s.colSubs[path] {
		sub.Push(rec)
	}
	return rec.ID, nil
}

func (s *Store) SubscribeDocument(ctx context.Context, path string, fn store.DocumentFunc) (store.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	sub := eventq.New(fn)
	subs, ok := s.docSubs[path]
	if !ok {
		subs = make(map[*eventq.Queue[store.Snapshot]]struct{})
		s.docSubs[path] = subs
	}
	subs[sub] = struct{}{}

	// Initial snapshot, delivered through the subscription so ordering
	// against later changes is preserved.
	if doc, ok := s.docs[path]; ok {
		sub.Push(snapshotOf(doc))
	} else {
		sub.Push(store.Snapshot{})
	}

	return func() {
		s.mu.Lock()
		delete(s.docSubs[path], sub)
		s.mu.Unlock()
		sub.Stop()
	}, nil
}

func (s *Store) SubscribeCollection(ctx context.Context, path string, fn store.RecordFunc) (store.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	sub := eventq.New(fn)
	subs, ok := s.colSubs[path]
	if !ok {
		subs = make(map[*eventq.Queue[store.Record]]struct{})
		s.colSubs[path] = subs
	}
	subs[sub] = struct{}{}

	// Replay before going live; the store lock guarantees no append can
	// interleave with the replay.
	if col, ok := s.cols[path]; ok {
		for _, rec := range col.records {
			sub.Push(rec)
		}
	}

	return func() {
		s.mu.Lock()
		delete(s.colSubs[path], sub)
		s.mu.Unlock()
		sub.Stop()
	}, nil
}

// Close cancels every subscription and fails all subsequent operations
// with store.ErrUnavailable.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var docSubs []*eventq.Queue[store.Snapshot]
	var colSubs []*eventq.Queue[store.Record]
	for _, subs := range s.docSubs {
		for sub := range subs {
			docSubs = append(docSubs, sub)
		}
	}
	for _, subs := range s.colSubs {
		for sub := range subs {
			colSubs = append(colSubs, sub)
		}
	}
	s.docSubs = make(map[string]map[*eventq.Queue[store.Snapshot]]struct{})
	s.colSubs = make(map[string]map[*eventq.Queue[store.Record]]struct{})
	s.mu.Unlock()

	close(s.stopJanitor)
	<-s.janitorDone
	for _, sub := range docSubs {
		sub.Stop()
	}
	for _, sub := range colSubs {
		sub.Stop()
	}
}

func (s *Store) mergeLocked(path string, fields map[string]string) {
	doc, ok := s.docs[path]
	if !ok {
		doc = &document{fields: make(map[string]string)}
		s.docs[path] = doc
	}
	for key, value := range fields {
		doc.fields[key] = value
	}
	doc.lastWrite = s.now()
	snap := snapshotOf(doc)
	for sub := range s.docSubs[path] {
		sub.Push(snap)
	}
}

func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep removes documents whose last write is strictly older than the
// retention period, along with sub-collections rooted under them. A
// document aged exactly the retention period is still live.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.retention)
	for path, doc := range s.docs {
		if !doc.lastWrite.Before(cutoff) {
			continue
		}
		delete(s.docs, path)
		prefix := path + "/"
		for colPath, col := range s.cols {
			if len(colPath) > len(prefix) && colPath[:len(prefix)] == prefix && col.lastWrite.Before(cutoff) {
				delete(s.cols, colPath)
			}
		}
	}
}

// setClock overrides the time source; tests only.
func (s *Store) setClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func snapshotOf(doc *document) store.Snapshot {
	return store.Snapshot{Exists: true, Fields: copyFields(doc.fields)}
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	return out
}
