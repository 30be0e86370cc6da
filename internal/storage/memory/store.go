// Package memory implements storage interfaces in process memory.
// It backs tests and local development runs; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sophyphreak/stela/internal/storage"
)

// Store implements storage.Store with mutex-guarded maps
type Store struct {
	mu          sync.Mutex
	documents   map[string]*storage.Document
	histories   map[string][]*storage.HistoryEntry // by document ID, insertion order
	authorities map[string]*storage.LocalAuthority
	counters    map[string]int
	exports     []*storage.DeliveryExport
	seq         int64
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		documents:   make(map[string]*storage.Document),
		histories:   make(map[string][]*storage.HistoryEntry),
		authorities: make(map[string]*storage.LocalAuthority),
		counters:    make(map[string]int),
	}
}

func (s *Store) Close(ctx context.Context) error { return nil }
func (s *Store) Ping(ctx context.Context) error  { return nil }

// DocumentStore implementation

func (s *Store) CreateDocument(ctx context.Context, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Creation.IsZero() {
		doc.Creation = time.Now()
	}
	s.documents[doc.ID] = doc
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return doc, nil
}

func (s *Store) GetDocumentByFileName(ctx context.Context, fileName string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.documents {
		if doc.FileName == fileName {
			return doc, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) UpdateDocument(ctx context.Context, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[doc.ID]; !ok {
		return storage.ErrNotFound
	}
	s.documents[doc.ID] = doc
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []*storage.Document
	for _, doc := range s.documents {
		if filter != nil {
			if filter.Kind != "" && doc.Kind != filter.Kind {
				continue
			}
			if filter.AuthorityID != "" && doc.AuthorityID != filter.AuthorityID {
				continue
			}
			if filter.LastStatus != "" && doc.LastStatus != filter.LastStatus {
				continue
			}
			if filter.Since != nil && doc.Creation.Before(*filter.Since) {
				continue
			}
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Creation.After(docs[j].Creation) })

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(docs) {
				return nil, nil
			}
			docs = docs[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(docs) {
			docs = docs[:filter.Limit]
		}
	}
	return docs, nil
}

func (s *Store) ListPendingSignature(ctx context.Context) ([]*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []*storage.Document
	for _, doc := range s.documents {
		if !doc.PJ && !doc.Signed && doc.ClasseurID > 0 {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (s *Store) ListBlockedFlux(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocked []string
	for id, entries := range s.histories {
		sent, settled := false, false
		for _, e := range entries {
			switch e.Status {
			case storage.StatusSent, storage.StatusResent, storage.StatusManualResent:
				sent = true
			case storage.StatusAckReceived, storage.StatusNackReceived, storage.StatusMaxRetryReach:
				settled = true
			}
		}
		if sent && !settled {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(blocked)
	return blocked, nil
}

// HistoryStore implementation

func (s *Store) AppendHistory(ctx context.Context, entry *storage.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Date.IsZero() {
		entry.Date = time.Now()
	}
	s.seq++
	entry.Seq = s.seq
	s.histories[entry.DocumentID] = append(s.histories[entry.DocumentID], entry)

	if entry.Status.Informational() {
		return nil
	}
	if doc, ok := s.documents[entry.DocumentID]; ok {
		doc.LastStatus = entry.Status
		doc.LastStatusAt = entry.Date
	}
	return nil
}

func (s *Store) History(ctx context.Context, documentID string) ([]*storage.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append([]*storage.HistoryEntry(nil), s.histories[documentID]...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Date.Before(entries[j].Date)
	})
	return entries, nil
}

func (s *Store) LatestEntry(ctx context.Context, documentID string) (*storage.HistoryEntry, error) {
	entries, err := s.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, storage.ErrNotFound
	}
	return entries[len(entries)-1], nil
}

func (s *Store) HistoryByStatus(ctx context.Context, documentID string, statuses []storage.Status) ([]*storage.HistoryEntry, error) {
	all, err := s.History(ctx, documentID)
	if err != nil {
		return nil, err
	}

	want := make(map[storage.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var matched []*storage.HistoryEntry
	for i := len(all) - 1; i >= 0; i-- {
		if want[all[i].Status] {
			matched = append(matched, all[i])
		}
	}
	return matched, nil
}

func (s *Store) GetHistoryEntry(ctx context.Context, id string) (*storage.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entries := range s.histories {
		for _, e := range entries {
			if e.ID == id {
				return e, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

// CounterStore implementation

func (s *Store) IncrementCounter(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[day]++
	return s.counters[day], nil
}

// AuthorityStore implementation

func (s *Store) GetAuthority(ctx context.Context, id string) (*storage.LocalAuthority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authority, ok := s.authorities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return authority, nil
}

func (s *Store) SaveAuthority(ctx context.Context, authority *storage.LocalAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authority.ID == "" {
		authority.ID = uuid.NewString()
	}
	s.authorities[authority.ID] = authority
	return nil
}

// ExportStore implementation

func (s *Store) SaveExport(ctx context.Context, export *storage.DeliveryExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if export.ID == "" {
		export.ID = uuid.NewString()
	}
	if export.ExportedAt.IsZero() {
		export.ExportedAt = time.Now()
	}
	s.exports = append(s.exports, export)
	return nil
}

// Exports returns all saved audit records, for tests
func (s *Store) Exports() []*storage.DeliveryExport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.DeliveryExport(nil), s.exports...)
}
