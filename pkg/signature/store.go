// Package signature holds the exact-match threat signatures and the detector
// that applies them to raw events.
package signature

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hed1ad/threatguard/pkg/threat"
)

// Store is an append-only ordered collection of signatures.
// Readers take an immutable snapshot; appends publish a new one.
type Store struct {
	mu       sync.Mutex // serializes writers
	snapshot atomic.Pointer[[]threat.Signature]
	keys     map[string]struct{}
}

// NewStore creates a store seeded with the given signatures.
// Invalid or duplicate seeds are rejected the same way Append rejects them.
func NewStore(seed ...threat.Signature) (*Store, error) {
	s := &Store{keys: make(map[string]struct{})}
	empty := []threat.Signature{}
	s.snapshot.Store(&empty)
	if _, err := s.Append(seed); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current signatures in store order. The slice is
// shared and must not be modified.
func (s *Store) Snapshot() []threat.Signature {
	return *s.snapshot.Load()
}

// Len returns the number of stored signatures.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

// Lookup returns the first signature with the given pattern.
func (s *Store) Lookup(pattern string) (threat.Signature, bool) {
	for _, sig := range s.Snapshot() {
		if sig.Pattern == pattern {
			return sig, true
		}
	}
	return threat.Signature{}, false
}

// Contains reports whether an identical signature is already stored.
func (s *Store) Contains(sig threat.Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[sig.Key()]
	return ok
}

// Append validates the batch and appends it in order. A batch containing an
// invalid signature is rejected as a whole. Exact duplicates, of stored
// signatures or within the batch, are skipped; the count of appended
// signatures is returned.
func (s *Store) Append(batch []threat.Signature) (int, error) {
	for i, sig := range batch {
		if err := sig.Validate(); err != nil {
			return 0, fmt.Errorf("signature %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	next := make([]threat.Signature, len(current), len(current)+len(batch))
	copy(next, current)

	added := make(map[string]struct{})
	for _, sig := range batch {
		key := sig.Key()
		if _, dup := s.keys[key]; dup {
			continue
		}
		if _, dup := added[key]; dup {
			continue
		}
		added[key] = struct{}{}
		next = append(next, sig)
	}
	if len(added) == 0 {
		return 0, nil
	}

	for key := range added {
		s.keys[key] = struct{}{}
	}
	s.snapshot.Store(&next)
	return len(added), nil
}
