package cloud

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/account" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		io.WriteString(w, `{"mqttEndpoint":"mqtt.nrfcloud.com","mqttTopicPrefix":"prod/team-1/","teamId":"team-1"}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL, testLogger())
	info, err := c.Account(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.MQTTEndpoint != "mqtt.nrfcloud.com" {
		t.Errorf("endpoint = %q", info.MQTTEndpoint)
	}
	if info.TeamID != "team-1" {
		t.Errorf("team = %q", info.TeamID)
	}
}

func TestDeviceStatusTopics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/devices/dev-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{
			"id": "dev-1",
			"tags": ["simulator"],
			"state": {"desired": {"pairing": {"topics": {
				"d2c": "prod/team-1/m/d/dev-1/d2c",
				"c2d": "prod/team-1/m/d/dev-1/+/r"
			}}}}
		}`)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, testLogger())
	status, err := c.Device(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := status.State.Desired.Pairing.Topics.D2C; got != "prod/team-1/m/d/dev-1/d2c" {
		t.Errorf("d2c = %q", got)
	}
	if got := status.State.Desired.Pairing.Topics.C2D; got != "prod/team-1/m/d/dev-1/+/r" {
		t.Errorf("c2d = %q", got)
	}
	if len(status.Raw) == 0 {
		t.Error("raw response not kept")
	}
}

func TestDeviceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such device"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, testLogger())
	_, err := c.Device(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	var de *DirectoryError
	if !errors.As(err, &de) {
		t.Fatalf("err type %T, want *DirectoryError", err)
	}
	if de.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", de.StatusCode)
	}
	if !strings.Contains(de.Body, "no such device") {
		t.Errorf("body = %q", de.Body)
	}
}

func TestOnboardSendsCSV(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/devices" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, testLogger())
	cert := "-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n"
	if err := c.Onboard(context.Background(), "dev-1", cert); err != nil {
		t.Fatal(err)
	}
	if gotContentType != "application/octet-stream" {
		t.Errorf("content-type = %q", gotContentType)
	}
	if !strings.HasPrefix(gotBody, `dev-1,,simulator,,"`) {
		t.Errorf("csv body = %q", gotBody)
	}
	if !strings.Contains(gotBody, "BEGIN CERTIFICATE") {
		t.Errorf("certificate missing from body: %q", gotBody)
	}
}

func TestOnboardConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "already exists", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, testLogger())
	if err := c.Onboard(context.Background(), "dev-1", "cert"); err != nil {
		t.Fatalf("409 should be treated as re-registration, got %v", err)
	}
}

func TestUnreachableHost(t *testing.T) {
	c := NewClient("k", "http://127.0.0.1:1", testLogger())
	_, err := c.Account(context.Background())
	var de *DirectoryError
	if !errors.As(err, &de) {
		t.Fatalf("err type %T, want *DirectoryError", err)
	}
	if de.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for transport failure", de.StatusCode)
	}
}
