package api

import (
	"net/http"
	"time"

	"github.com/clark235/carapaceos/internal/apierr"
	"github.com/clark235/carapaceos/internal/registry"
)

type acquireRequest struct {
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
	CallerLabel string `json:"caller_label,omitempty"`
}

type acquireResponse struct {
	ID          string `json:"id"`
	SSHHost     string `json:"ssh_host"`
	SSHPort     int    `json:"ssh_port"`
	WorkDir     string `json:"work_dir"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	s.metrics.acquireTotal.Inc()

	var req acquireRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.metrics.acquireErrorsTotal.Inc()
		writeAPIError(w, err)
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.DefaultAcquireTimeout
	}

	rn, err := s.pool.Acquire(r.Context(), timeout)
	if err != nil {
		s.metrics.acquireErrorsTotal.Inc()
		writeAPIError(w, err)
		return
	}

	entry := s.registry.Add(rn, req.CallerLabel)
	writeJSON(w, http.StatusOK, acquireResponse{
		ID:      entry.ID,
		SSHHost: "127.0.0.1",
		SSHPort: rn.Port(),
		WorkDir: rn.WorkDir(),
	})
}

type vmListEntry struct {
	ID          string  `json:"id"`
	AgeSeconds  float64 `json:"age_seconds"`
	CallerLabel string  `json:"caller_label,omitempty"`
	SSHPort     int     `json:"ssh_port"`
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.List()
	out := make([]vmListEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, vmListEntry{
			ID:          e.ID,
			AgeSeconds:  time.Since(e.AcquiredAt).Seconds(),
			CallerLabel: e.CallerLabel,
			SSHPort:     e.Runner.Port(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vms": out})
}

type runRequest struct {
	Command      string `json:"command"`
	TimeoutSecs  int    `json:"timeout_seconds,omitempty"`
}

type runResultJSON struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.metrics.runTotal.Inc()

	entry, err := s.lookupVM(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Command == "" {
		writeAPIError(w, apierr.New(apierr.Usage, "command is required"))
		return
	}

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	result, err := entry.Runner.Run(r.Context(), req.Command, timeout)
	if err != nil {
		s.metrics.runErrorsTotal.Inc()
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runResultJSON{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration.Milliseconds(),
	})
}

type pipelineRequest struct {
	Commands    []string `json:"commands"`
	StopOnError *bool    `json:"stop_on_error,omitempty"`
}

type pipelineResponse struct {
	Results []runResultJSON `json:"results"`
	Stopped bool            `json:"stopped"`
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	s.metrics.runTotal.Inc()

	entry, err := s.lookupVM(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var req pipelineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if len(req.Commands) == 0 {
		writeAPIError(w, apierr.New(apierr.Usage, "commands is required"))
		return
	}

	stopOnError := true
	if req.StopOnError != nil {
		stopOnError = *req.StopOnError
	}

	results, stopped, err := entry.Runner.RunPipeline(r.Context(), req.Commands, stopOnError)
	if err != nil {
		s.metrics.runErrorsTotal.Inc()
		writeAPIError(w, err)
		return
	}

	out := make([]runResultJSON, len(results))
	for i, res := range results {
		out[i] = runResultJSON{
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ExitCode:   res.ExitCode,
			DurationMs: res.Duration.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, pipelineResponse{Results: out, Stopped: stopped})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.metrics.releaseTotal.Inc()

	entry, err := s.lookupVM(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	s.registry.Remove(entry.ID)
	s.pool.Release(entry.Runner)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// lookupVM resolves the {id} path value to a registry entry, or a
// not-found apierr.Error.
func (s *Server) lookupVM(r *http.Request) (*registry.Entry, error) {
	id := r.PathValue("id")
	e, ok := s.registry.Get(id)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown VM id: "+id)
	}
	return e, nil
}
