package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/storage"
)

// maxSeedBytes bounds an uploaded seed document.
const maxSeedBytes = 10 << 20

// uploadSeed accepts a seed as a raw JSON body or as a multipart form with a
// "file" part, assigns a job id, and drops the seed into the mailbox. The
// watcher takes it from there.
func (s *Server) uploadSeed(w http.ResponseWriter, r *http.Request) {
	raw, err := readSeedBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var seed pipeord.Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		writeError(w, badRequest("Invalid JSON: "+err.Error()))
		return
	}
	if err := seed.Validate(); err != nil {
		writeError(w, badRequest("Required fields missing: name and data"))
		return
	}
	if seed.Pipeline != "" {
		if _, err := s.registry.Load(seed.Pipeline); err != nil {
			writeError(w, badRequest("unknown pipeline "+seed.Pipeline))
			return
		}
	}

	if s.nameTaken(seed.Name) {
		writeError(w, badRequest("job \""+seed.Name+"\" already exists"))
		return
	}

	jobID := pipeord.GenerateJobID()
	if err := os.MkdirAll(s.res.PendingDir(), 0o755); err != nil {
		writeError(w, err)
		return
	}
	if err := storage.WriteFileAtomic(s.res.PendingSeed(jobID), raw, 0o644); err != nil {
		writeError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Publish(pipeord.EventSeedUploaded, jobID, map[string]string{
			"jobId":   jobID,
			"jobName": seed.Name,
		})
	}
	s.log.Info("seed accepted", "job", jobID, "name", seed.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"jobId":   jobID,
		"jobName": seed.Name,
	})
}

// nameTaken reports whether a seed with this name already occupies the
// mailbox or an active job directory. Finished jobs do not block reuse.
func (s *Server) nameTaken(name string) bool {
	if entries, err := os.ReadDir(s.res.PendingDir()); err == nil {
		for _, entry := range entries {
			if pipeord.SeedFilePattern.FindStringSubmatch(entry.Name()) == nil {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(s.res.PendingDir(), entry.Name()))
			if err != nil {
				continue
			}
			var pending pipeord.Seed
			if json.Unmarshal(raw, &pending) == nil && pending.Name == name {
				return true
			}
		}
	}
	if entries, err := os.ReadDir(s.res.CurrentDir()); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() || !pipeord.ValidJobID(entry.Name()) {
				continue
			}
			job, err := s.jobs.Get(entry.Name())
			if err == nil && job.Name == name && job.Location == "current" {
				return true
			}
		}
	}
	return false
}

func readSeedBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxSeedBytes)

	ct := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(maxSeedBytes); err != nil {
			return nil, badRequest("Invalid JSON: unreadable multipart body")
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, badRequest(`multipart upload needs a "file" part`)
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, badRequest("unreadable request body")
	}
	return raw, nil
}
