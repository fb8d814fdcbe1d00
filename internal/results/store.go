// Package results keeps at most one evaluation per input mode.
package results

import (
	"sync"

	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/submission"
)

// Store maps each input mode to its latest result. Writes replace the whole
// value, so readers never see a partially written result. There is no
// eviction; a Store lives as long as the session that owns it.
type Store struct {
	mu      sync.RWMutex
	results map[submission.Mode]*evaluator.Result
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{results: make(map[submission.Mode]*evaluator.Result)}
}

// Set replaces the result for mode. A nil result clears it.
func (s *Store) Set(mode submission.Mode, r *evaluator.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		delete(s.results, mode)
		return
	}
	s.results[mode] = r
}

// Get returns the result for mode, if any.
func (s *Store) Get(mode submission.Mode) (*evaluator.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[mode]
	return r, ok
}

// Clear removes the result for mode.
func (s *Store) Clear(mode submission.Mode) {
	s.Set(mode, nil)
}

// Snapshot returns a copy of every stored result keyed by mode.
func (s *Store) Snapshot() map[submission.Mode]*evaluator.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[submission.Mode]*evaluator.Result, len(s.results))
	for m, r := range s.results {
		out[m] = r
	}
	return out
}
