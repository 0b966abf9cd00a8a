package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"trackersim/internal/session"
	"trackersim/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSim struct {
	mu       sync.Mutex
	status   telemetry.Status
	triggers []telemetry.Command
}

func (f *fakeSim) Status() telemetry.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSim) Trigger(cmd telemetry.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, cmd)
}

type fakeLink struct {
	state session.State
}

func (f *fakeLink) State() session.State { return f.state }

func setupServer(t *testing.T, apiKey string) (*Server, *fakeSim) {
	t.Helper()
	sim := &fakeSim{status: telemetry.Status{Counter: 3, Waypoint: "Tokyo Station"}}
	link := &fakeLink{state: session.StateConnected}

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	s := NewServer(sim, link, nil, "dev-1", testLogger(), opts...)
	t.Cleanup(s.Stop)
	return s, sim
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeviceID != "dev-1" {
		t.Errorf("device_id = %q", resp.DeviceID)
	}
	if resp.Session != "connected" {
		t.Errorf("session = %q, want connected", resp.Session)
	}
	if resp.Engine.Counter != 3 || resp.Engine.Waypoint != "Tokyo Station" {
		t.Errorf("engine status = %+v", resp.Engine)
	}
}

func TestSendEndpoint(t *testing.T) {
	s, sim := setupServer(t, "")

	for kind, want := range sendKinds {
		req := httptest.NewRequest(http.MethodPost, "/api/send/"+kind, nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Errorf("send %s: status = %d, want 202", kind, rec.Code)
		}
		sim.mu.Lock()
		got := sim.triggers[len(sim.triggers)-1]
		sim.mu.Unlock()
		if got != want {
			t.Errorf("send %s: command = %v, want %v", kind, got, want)
		}
	}
}

func TestSendUnknownKind(t *testing.T) {
	s, sim := setupServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/send/reboot", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	sim.mu.Lock()
	n := len(sim.triggers)
	sim.mu.Unlock()
	if n != 0 {
		t.Errorf("unknown kind triggered %d commands", n)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s, _ := setupServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	sim := &fakeSim{}
	s := NewServer(sim, &fakeLink{}, nil, "dev-1", testLogger(), WithVersion("1.2.3"))
	t.Cleanup(s.Stop)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}

func TestEventsAreBroadcast(t *testing.T) {
	bus := telemetry.NewEventBus(testLogger())
	sim := &fakeSim{}
	s := NewServer(sim, &fakeLink{}, bus, "dev-1", testLogger())
	t.Cleanup(s.Stop)

	client := &wsClient{send: make(chan []byte, 16)}
	s.wsHub.register <- client

	bus.Emit(telemetry.Event{Type: telemetry.EventSessionState, Data: "connected"})

	select {
	case data := <-client.send:
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev["type"] != string(telemetry.EventSessionState) {
			t.Errorf("event type = %v", ev["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered to ws client")
	}
}
