// Package persistence provides Metastore implementations: an in-memory one
// for tests, a SQL-backed one for relational stores, and a DynamoDB-backed
// one for multi-region deployments.
package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/ringvault/ringvault"
)

var _ ringvault.Metastore = (*MemoryMetastore)(nil)

// MemoryMetastore keeps every EnvelopeKeyRecord in process memory. It is for
// tests and local development only: nothing here survives a restart, and
// nothing here is shared across processes.
type MemoryMetastore struct {
	mu        sync.RWMutex
	envelopes map[string]map[int64]*ringvault.EnvelopeKeyRecord
}

// NewMemoryMetastore returns a ready-to-use, empty MemoryMetastore.
func NewMemoryMetastore() *MemoryMetastore {
	return &MemoryMetastore{
		envelopes: make(map[string]map[int64]*ringvault.EnvelopeKeyRecord),
	}
}

// Load implements ringvault.Metastore.
func (s *MemoryMetastore) Load(_ context.Context, id string, created int64) (*ringvault.EnvelopeKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.envelopes[id][created]; ok {
		return rec, nil
	}

	return nil, nil
}

// LoadLatest implements ringvault.Metastore.
func (s *MemoryMetastore) LoadLatest(_ context.Context, id string) (*ringvault.EnvelopeKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.envelopes[id]
	if !ok || len(versions) == 0 {
		return nil, nil
	}

	created := make([]int64, 0, len(versions))
	for c := range versions {
		created = append(created, c)
	}

	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })

	return versions[created[len(created)-1]], nil
}

// Store implements ringvault.Metastore.
func (s *MemoryMetastore) Store(_ context.Context, id string, created int64, envelope *ringvault.EnvelopeKeyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envelopes[id][created]; ok {
		return false, nil
	}

	if _, ok := s.envelopes[id]; !ok {
		s.envelopes[id] = make(map[int64]*ringvault.EnvelopeKeyRecord)
	}

	s.envelopes[id][created] = envelope

	return true, nil
}
