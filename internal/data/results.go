package data

import (
	"fmt"
	"sync"
)

// ResultStore keeps finished run output in memory, split into a light
// preview served on every poll and the heavy artifact fetched once. The
// store evicts whole runs oldest-first past the retention cap.
type ResultStore struct {
	mu        sync.RWMutex
	previews  map[string]any
	artifacts map[string]any
	order     []string
	maxRuns   int
}

// NewResultStore creates a store retaining at most maxRuns finished runs.
func NewResultStore(maxRuns int) *ResultStore {
	if maxRuns <= 0 {
		maxRuns = 100
	}
	return &ResultStore{
		previews:  make(map[string]any),
		artifacts: make(map[string]any),
		maxRuns:   maxRuns,
	}
}

// Save records a run's preview and artifact, evicting the oldest run if
// the cap is exceeded.
func (s *ResultStore) Save(runID string, preview, artifact any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.previews[runID]; !exists {
		s.order = append(s.order, runID)
	}
	s.previews[runID] = preview
	s.artifacts[runID] = artifact

	for len(s.order) > s.maxRuns {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.previews, oldest)
		delete(s.artifacts, oldest)
	}
}

// Preview returns the light summary for a run.
func (s *ResultStore) Preview(runID string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	preview, ok := s.previews[runID]
	if !ok {
		return nil, fmt.Errorf("no results stored for run %s", runID)
	}
	return preview, nil
}

// Artifact returns the full output for a run.
func (s *ResultStore) Artifact(runID string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.artifacts[runID]
	if !ok {
		return nil, fmt.Errorf("no results stored for run %s", runID)
	}
	return artifact, nil
}

// Len returns the number of retained runs.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
