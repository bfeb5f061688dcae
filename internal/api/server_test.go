package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clark235/carapaceos/internal/config"
	"github.com/clark235/carapaceos/internal/pool"
	"github.com/clark235/carapaceos/internal/registry"
	"github.com/clark235/carapaceos/internal/runner"
)

// setupTestServer builds a Server with a pool.Config that can never boot
// anything (nonexistent base image), so tests exercise routing,
// validation, and the registry without depending on a real hypervisor.
func setupTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	p := pool.New(pool.Config{
		TargetSize:     0,
		MaxSize:        4,
		RefillDebounce: 10 * time.Millisecond,
		BootRetryDelay: time.Minute,
		NewRunnerOptions: func() runner.Options {
			return runner.Options{BaseImagePath: "/nonexistent/base.qcow2", WorkDir: cfg.DataDir}
		},
	})

	reg := registry.New()
	return NewServer(cfg, p, reg)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePoolStatus(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, "GET", "/pool/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp poolStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StatusLine == "" {
		t.Error("expected non-empty status line")
	}
}

func TestHandlePoolResizeValidatesRange(t *testing.T) {
	s := setupTestServer(t)

	rec := doRequest(t, s, "POST", "/pool/resize", poolResizeRequest{Size: 17})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for size=17, got %d", rec.Code)
	}

	rec = doRequest(t, s, "POST", "/pool/resize", poolResizeRequest{Size: -1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for size=-1, got %d", rec.Code)
	}

	rec = doRequest(t, s, "POST", "/pool/resize", poolResizeRequest{Size: 4})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for size=4, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleReleaseUnknownIDReturns404(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, "POST", "/vms/bogus/release", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRunUnknownIDReturns404(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, "POST", "/vms/bogus/run", runRequest{Command: "echo hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAcquireTimesOutWhenPoolEmpty(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, "POST", "/vms/acquire", acquireRequest{TimeoutMS: 50})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListVMsReflectsRegistry(t *testing.T) {
	s := setupTestServer(t)

	rn, err := runner.New(runner.Options{BaseImagePath: "base.qcow2", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	entry := s.registry.Add(rn, "test")

	rec := doRequest(t, s, "GET", "/vms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		VMs []vmListEntry `json:"vms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.VMs) != 1 || resp.VMs[0].ID != entry.ID {
		t.Errorf("expected listing to contain %s, got %+v", entry.ID, resp.VMs)
	}
}

func TestHandlePipelineRequiresCommands(t *testing.T) {
	s := setupTestServer(t)
	rn, err := runner.New(runner.Options{BaseImagePath: "base.qcow2", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	entry := s.registry.Add(rn, "")

	rec := doRequest(t, s, "POST", "/vms/"+entry.ID+"/pipeline", pipelineRequest{Commands: nil})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty commands, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMetricsServesPrometheusText(t *testing.T) {
	s := setupTestServer(t)
	rec := doRequest(t, s, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("carapaceos_")) {
		t.Error("expected carapaceos_ prefixed metrics in output")
	}
}
