package api

import (
	"encoding/base64"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/pipeord"
	"github.com/pipeord/pipeord/internal/report"
	"github.com/pipeord/pipeord/internal/status"
	"github.com/pipeord/pipeord/internal/storage"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if !pipeord.ValidJobID(jobID) {
		writeError(w, badRequest("invalid job id"))
		return
	}
	job, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// fileResponse is the task-file payload. Text files ride as UTF-8, anything
// else as base64.
type fileResponse struct {
	Mime     string    `json:"mime"`
	Size     int64     `json:"size"`
	Mtime    time.Time `json:"mtime"`
	Encoding string    `json:"encoding"` // "utf8" | "base64"
	Content  string    `json:"content"`
}

// getTaskFile serves one artifact, log, or scratch file. The filename is
// resolved inside the kind directory jail; anything that escapes is a 403.
func (s *Server) getTaskFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if !pipeord.ValidJobID(jobID) {
		writeError(w, badRequest("invalid job id"))
		return
	}

	kind := r.URL.Query().Get("type")
	if !storage.ValidKind(kind) {
		writeError(w, badRequest("type must be one of artifacts, logs, tmp"))
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, badRequest("filename is required"))
		return
	}

	jobDir, err := s.jobDir(jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	path, err := paths.ResolveInJail(paths.KindDir(jobDir, kind), filename)
	switch {
	case errors.Is(err, paths.ErrAbsolutePath):
		writeError(w, forbidden("Absolute paths not allowed"))
		return
	case err != nil:
		writeError(w, forbidden("Path traversal"))
		return
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		writeError(w, notFound("file not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := fileResponse{
		Mime:  mimeFor(filename),
		Size:  info.Size(),
		Mtime: info.ModTime().UTC(),
	}
	if utf8.Valid(raw) {
		resp.Encoding = "utf8"
		resp.Content = string(raw)
	} else {
		resp.Encoding = "base64"
		resp.Content = base64.StdEncoding.EncodeToString(raw)
	}
	writeJSON(w, http.StatusOK, resp)
}

// jobDir locates the job directory, current phase first.
func (s *Server) jobDir(jobID string) (string, error) {
	for _, dir := range []string{s.res.CurrentJob(jobID), s.res.CompleteJob(jobID)} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", status.ErrJobNotFound
}

// The builtin table lacks the text formats stages emit most.
func init() {
	mime.AddExtensionType(".md", "text/markdown; charset=utf-8")
	mime.AddExtensionType(".txt", "text/plain; charset=utf-8")
	mime.AddExtensionType(".log", "text/plain; charset=utf-8")
	mime.AddExtensionType(".yaml", "application/yaml")
	mime.AddExtensionType(".yml", "application/yaml")
}

func mimeFor(filename string) string {
	if mt := mime.TypeByExtension(filepath.Ext(filename)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// exportJobs streams the job listing as an xlsx workbook.
func (s *Server) exportJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	workbook, err := report.BuildJobsWorkbook(list)
	if err != nil {
		writeError(w, err)
		return
	}
	defer workbook.Close()

	name := "jobs-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := workbook.Write(w); err != nil {
		s.log.Warn("export interrupted", "err", err)
	}
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		writeJSON(w, http.StatusOK, map[string]any{"watching": false})
		return
	}
	writeJSON(w, http.StatusOK, s.state.State())
}
