// Package cloud talks to the nRF Cloud-style device management REST API:
// account lookup, device status, and certificate onboarding. Retry policy
// belongs to callers; this client does a single attempt per call.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIHost is the production device-management endpoint.
const DefaultAPIHost = "https://api.nrfcloud.com"

// DirectoryError is a failed REST call: a transport error has StatusCode 0,
// an HTTP error carries the status and a truncated response body.
type DirectoryError struct {
	StatusCode int
	Body       string
}

func (e *DirectoryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("cloud directory unreachable: %s", e.Body)
	}
	return fmt.Sprintf("cloud directory HTTP %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is a DirectoryError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var de *DirectoryError
	return errors.As(err, &de) && de.StatusCode == status
}

// AccountInfo is the subset of GET /v1/account the simulator needs.
type AccountInfo struct {
	MQTTEndpoint    string `json:"mqttEndpoint"`
	MQTTTopicPrefix string `json:"mqttTopicPrefix"`
	TeamID          string `json:"teamId"`
}

// DeviceStatus is the subset of GET /v1/devices/{id} the simulator needs.
// Raw keeps the full response for diagnostic display.
type DeviceStatus struct {
	ID    string `json:"id"`
	State struct {
		Desired struct {
			Pairing struct {
				Topics struct {
					D2C string `json:"d2c"`
					C2D string `json:"c2d"`
				} `json:"topics"`
			} `json:"pairing"`
		} `json:"desired"`
	} `json:"state"`
	Tags []string `json:"tags"`

	Raw json.RawMessage `json:"-"`
}

// Client is a minimal nRF Cloud REST API client.
type Client struct {
	apiKey  string
	apiHost string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a REST client. apiHost may be empty for production.
func NewClient(apiKey, apiHost string, logger *slog.Logger) *Client {
	if apiHost == "" {
		apiHost = DefaultAPIHost
	}
	return &Client{
		apiKey:  apiKey,
		apiHost: strings.TrimRight(apiHost, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("component", "cloud"),
	}
}

// Account fetches account-level MQTT routing info.
func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.getJSON(ctx, "/v1/account", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Device fetches the status (shadow, tags) of a device by id. Read-only,
// used by diagnostics and topic resolution.
func (c *Client) Device(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID), "", nil)
	if err != nil {
		return nil, err
	}
	var status DeviceStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("parse device status: %w", err)
	}
	status.Raw = body
	return &status, nil
}

// Onboard registers a device by uploading its self-signed certificate.
// The endpoint expects CSV: deviceId,[subType],[tags],[fwTypes],"certPem".
// A device that already exists (HTTP 409) is treated as re-registration,
// not an error.
func (c *Client) Onboard(ctx context.Context, deviceID, certPEM string) error {
	csv := fmt.Sprintf("%s,,simulator,,\"%s\n\"", deviceID, strings.TrimSpace(certPEM))
	_, err := c.do(ctx, http.MethodPost, "/v1/devices", "application/octet-stream", []byte(csv))
	if IsStatus(err, http.StatusConflict) {
		c.logger.Info("device already onboarded", "device", deviceID)
		return nil
	}
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DirectoryError{Body: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &DirectoryError{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("API error", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &DirectoryError{StatusCode: resp.StatusCode, Body: truncate(string(data), 300)}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
