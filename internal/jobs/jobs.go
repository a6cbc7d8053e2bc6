// Package jobs is the read path: it resolves snapshots through the phase
// probe and shapes them into the canonical wire schema used by both the
// HTTP API and SSE payloads.
package jobs

import (
	"sort"

	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/status"
)

// Service reads jobs and returns canonical views. It never writes.
type Service struct {
	reader *status.Reader
}

// NewService returns a Service over the given data root resolver.
func NewService(res *paths.Resolver) *Service {
	return &Service{reader: status.NewReader(res)}
}

// Reader exposes the underlying phase-probing reader.
func (s *Service) Reader() *status.Reader { return s.reader }

// Get returns the canonical view of one job.
func (s *Service) Get(jobID string) (*Job, error) {
	res, err := s.reader.Read(jobID)
	if err != nil {
		return nil, err
	}
	return Transform(res.Snapshot, string(res.Location)), nil
}

// List returns canonical views of every job in current/ and complete/,
// newest first. Jobs whose snapshot cannot be read are skipped; a listing
// should not fail because one directory is mid-write.
func (s *Service) List() ([]*Job, error) {
	ids, err := s.reader.ListIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
