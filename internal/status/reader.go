package status

import (
	"errors"
	"os"

	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
)

// ErrJobNotFound is returned when neither phase holds the job.
var ErrJobNotFound = errors.New("job not found")

// Location names the phase directory a snapshot was read from.
type Location string

const (
	LocationCurrent  Location = "current"
	LocationComplete Location = "complete"
)

// ReadResult pairs a snapshot with the phase it was found in.
type ReadResult struct {
	Snapshot *pipeord.Snapshot
	Location Location
}

// Reader resolves jobs by probing the current phase, then complete.
type Reader struct {
	res *paths.Resolver
}

// NewReader returns a Reader over the given data root resolver.
func NewReader(res *paths.Resolver) *Reader {
	return &Reader{res: res}
}

// Read probes current/<jobId> then complete/<jobId> for the snapshot.
func (r *Reader) Read(jobID string) (*ReadResult, error) {
	snap, err := Load(r.res.StatusPath(jobID))
	if err == nil {
		return &ReadResult{Snapshot: snap, Location: LocationCurrent}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	snap, err = Load(r.res.CompleteStatusPath(jobID))
	if err == nil {
		return &ReadResult{Snapshot: snap, Location: LocationComplete}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return nil, ErrJobNotFound
}

// JobDir returns the phase directory a located job lives in.
func (r *Reader) JobDir(jobID string, loc Location) string {
	if loc == LocationComplete {
		return r.res.CompleteJob(jobID)
	}
	return r.res.CurrentJob(jobID)
}

// ListIDs returns the job ids present in current/ and complete/. The
// current phase wins when a directory name appears in both.
func (r *Reader) ListIDs() ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, dir := range []string{r.res.CurrentDir(), r.res.CompleteDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || !pipeord.ValidJobID(e.Name()) || seen[e.Name()] {
				continue
			}
			seen[e.Name()] = true
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
