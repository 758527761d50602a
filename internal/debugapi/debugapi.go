// Package debugapi serves a minimal, off-by-default, read-only HTTP surface
// for engineering introspection: the last few discovered routing trees and
// the current busy-cache counters. It is strictly separate from the
// out-of-scope operator-facing status endpoint — this exists only to make a
// running routing engine's recent decisions inspectable without a debugger.
package debugapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eventphone/routingengine/internal/cache"
	"github.com/eventphone/routingengine/internal/database/models"
)

// TreeSnapshot is one recorded Stage-1 routing decision, kept only for
// diagnostic serialization.
type TreeSnapshot struct {
	At     time.Time         `json:"at"`
	Source string            `json:"source"`
	Target *models.Extension `json:"target"`
}

// Recorder is a bounded ring buffer of the most recently discovered routing
// trees.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	entries  []TreeSnapshot
}

// NewRecorder builds a Recorder retaining at most capacity snapshots.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 50
	}
	return &Recorder{capacity: capacity}
}

// Record appends a snapshot, evicting the oldest entry once capacity is
// exceeded.
func (r *Recorder) Record(source string, target *models.Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, TreeSnapshot{At: time.Now(), Source: source, Target: target})
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

// Recent returns the retained snapshots, most recent last.
func (r *Recorder) Recent() []TreeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TreeSnapshot, len(r.entries))
	copy(out, r.entries)
	return out
}

// NewRouter builds the chi.Router serving /trees and /busy against recorder
// and busy.
func NewRouter(recorder *Recorder, busy cache.BusyCache) http.Handler {
	r := chi.NewRouter()

	r.Get("/trees", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recorder.Recent()) //nolint:errcheck
	})

	r.Get("/busy", func(w http.ResponseWriter, req *http.Request) {
		status, err := busy.BusyStatus(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status) //nolint:errcheck
	})

	return r
}
