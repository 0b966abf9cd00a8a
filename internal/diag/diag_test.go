package diag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"trackersim/internal/cloud"
	"trackersim/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDirectory struct {
	status *cloud.DeviceStatus
	err    error
	calls  int
}

func (f *fakeDirectory) Device(_ context.Context, _ string) (*cloud.DeviceStatus, error) {
	f.calls++
	return f.status, f.err
}

type fakeConn struct {
	connectErr   error
	subscribeErr error
	stateAfter   session.State

	connects     int
	subscribes   int
	disconnects  int
}

func (f *fakeConn) Connect(_ context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *fakeConn) SubscribeControl(_ session.MessageHandler) error {
	f.subscribes++
	return f.subscribeErr
}

func (f *fakeConn) State() session.State {
	if f.stateAfter == "" {
		return session.StateConnected
	}
	return f.stateAfter
}

func (f *fakeConn) Disconnect() { f.disconnects++ }

func registeredStatus(d2c string) *cloud.DeviceStatus {
	st := &cloud.DeviceStatus{ID: "dev-1"}
	st.State.Desired.Pairing.Topics.D2C = d2c
	return st
}

func TestAllStepsPass(t *testing.T) {
	dir := &fakeDirectory{status: registeredStatus("prod/m/d/dev-1/d2c")}
	conn := &fakeConn{}
	r := NewRunner("dev-1", dir, conn, time.Millisecond, testLogger())

	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("steps = %d, want 3", len(results))
	}
	want := []string{StepCloudStatus, StepConnect, StepSubscribe}
	for i, res := range results {
		if res.Name != want[i] {
			t.Errorf("step %d = %s, want %s", i, res.Name, want[i])
		}
		if !res.OK {
			t.Errorf("step %s failed: %s", res.Name, res.Err)
		}
	}
	if conn.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnects)
	}
	if !strings.Contains(results[0].Detail, "d2c topic") {
		t.Errorf("cloud-status detail = %q", results[0].Detail)
	}
}

func TestUnregisteredDeviceAbortsBeforeConnecting(t *testing.T) {
	dir := &fakeDirectory{err: &cloud.DirectoryError{StatusCode: 404, Body: "not found"}}
	conn := &fakeConn{}
	r := NewRunner("dev-1", dir, conn, time.Millisecond, testLogger())

	results, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for unregistered device")
	}
	if !strings.Contains(err.Error(), "not registered") {
		t.Errorf("err = %v, want registration failure", err)
	}
	if len(results) != 1 {
		t.Fatalf("steps = %d, want 1 (sequence aborts on first failure)", len(results))
	}
	if conn.connects != 0 {
		t.Errorf("connect attempted after failed status check")
	}
	if conn.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1 (cleanup)", conn.disconnects)
	}
}

func TestConnectFailureSkipsSubscribe(t *testing.T) {
	dir := &fakeDirectory{status: registeredStatus("prod/m/d/dev-1/d2c")}
	conn := &fakeConn{connectErr: &session.ConnectionError{Attempts: 10, Err: errors.New("timeout")}}
	r := NewRunner("dev-1", dir, conn, time.Millisecond, testLogger())

	results, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if len(results) != 2 {
		t.Fatalf("steps = %d, want 2", len(results))
	}
	if results[1].OK {
		t.Error("connect step reported OK")
	}
	if conn.subscribes != 0 {
		t.Error("subscribe attempted after failed connect")
	}
}

func TestConnectionLostDuringHold(t *testing.T) {
	dir := &fakeDirectory{status: registeredStatus("prod/m/d/dev-1/d2c")}
	conn := &fakeConn{stateAfter: session.StateDegraded}
	r := NewRunner("dev-1", dir, conn, time.Millisecond, testLogger())

	results, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected hold failure")
	}
	if !strings.Contains(results[1].Err, "did not survive") {
		t.Errorf("connect step err = %q", results[1].Err)
	}
}

func TestSubscribeFailure(t *testing.T) {
	dir := &fakeDirectory{status: registeredStatus("prod/m/d/dev-1/d2c")}
	conn := &fakeConn{subscribeErr: errors.New("subscribe refused")}
	r := NewRunner("dev-1", dir, conn, time.Millisecond, testLogger())

	results, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected subscribe failure")
	}
	if len(results) != 3 {
		t.Fatalf("steps = %d, want 3", len(results))
	}
	if results[0].OK != true || results[1].OK != true || results[2].OK != false {
		t.Errorf("unexpected step outcomes: %+v", results)
	}
}

func TestShadowWithoutTopicsStillPasses(t *testing.T) {
	dir := &fakeDirectory{status: registeredStatus("")}
	conn := &fakeConn{}
	r := NewRunner("dev-1", dir, conn, time.Millisecond, testLogger())

	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(results[0].Detail, "no pairing topics") {
		t.Errorf("detail = %q", results[0].Detail)
	}
}

func TestContextCancelDuringHold(t *testing.T) {
	dir := &fakeDirectory{status: registeredStatus("prod/m/d/dev-1/d2c")}
	conn := &fakeConn{}
	r := NewRunner("dev-1", dir, conn, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
