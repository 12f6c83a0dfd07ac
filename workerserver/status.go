package workerserver

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

// FileStatusRecorder writes the worker's current lifecycle state to a JSON
// status file on every transition, for a human or another process tailing
// AGENTPAY_STATUS_FILE. Writes are best-effort: a failure is logged and
// otherwise ignored, mirroring the teacher's tolerant discovery-write path
// which never lets a status write block or fail the caller.
type FileStatusRecorder struct {
	path string
	log  *slog.Logger
}

// NewFileStatusRecorder builds a recorder writing to path. Returns nil if
// path is empty, so callers can pass the result directly as an optional
// StatusRecorder.
func NewFileStatusRecorder(path string, log *slog.Logger) *FileStatusRecorder {
	if path == "" {
		return nil
	}
	return &FileStatusRecorder{path: path, log: log}
}

type statusRecord struct {
	State     State  `json:"state"`
	UpdatedAt string `json:"updated_at"`
}

// Record writes state to the status file, best effort.
func (f *FileStatusRecorder) Record(state State) {
	if f == nil {
		return
	}
	rec := statusRecord{State: state, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		if f.log != nil {
			f.log.Warn("status: marshal failed", "err", err)
		}
		return
	}
	if err := os.WriteFile(f.path, body, 0o644); err != nil {
		if f.log != nil {
			f.log.Warn("status: write failed", "path", f.path, "err", err)
		}
	}
}
