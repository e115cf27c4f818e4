package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPOperationStoreConfig configures the HTTP operation store client.
type HTTPOperationStoreConfig struct {
	// BaseURL is the sync backend, e.g. "https://sync.example.com".
	BaseURL string

	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// DeviceID identifies this device to the backend.
	DeviceID string

	// Timeout bounds each request. Default: 30s
	Timeout time.Duration
}

// HTTPOperationStore talks to the sync backend's operation feed over HTTP.
// It does not retry; the queue owns retry and breaker policy so failures
// are counted once.
type HTTPOperationStore struct {
	config HTTPOperationStoreConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPOperationStore creates the client.
func NewHTTPOperationStore(config HTTPOperationStoreConfig, logger *slog.Logger) *HTTPOperationStore {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPOperationStore{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type appendRequest struct {
	DeviceID   string      `json:"deviceId"`
	Operations []Operation `json:"operations"`
}

type pullResponse struct {
	Updates []RemoteUpdate `json:"updates"`
	Next    int64          `json:"next"`
}

// Append implements OperationStore.
func (s *HTTPOperationStore) Append(ctx context.Context, ops []Operation) error {
	body, err := json.Marshal(appendRequest{DeviceID: s.config.DeviceID, Operations: ops})
	if err != nil {
		return fmt.Errorf("encode append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return newSyncError(SyncErrorTypePush, "append request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return newSyncError(SyncErrorTypePush, fmt.Sprintf("append returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// Pull implements OperationStore.
func (s *HTTPOperationStore) Pull(ctx context.Context, after int64, limit int) ([]RemoteUpdate, int64, error) {
	url := fmt.Sprintf("%s/v1/operations?after=%d&limit=%d", s.config.BaseURL, after, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, after, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, after, newSyncError(SyncErrorTypePull, "pull request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, after, newSyncError(SyncErrorTypePull, fmt.Sprintf("pull returned status %d", resp.StatusCode), nil)
	}

	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, after, newSyncError(SyncErrorTypePull, "decode pull response", err)
	}
	next := out.Next
	if next < after {
		next = after
	}
	return out.Updates, next, nil
}

func (s *HTTPOperationStore) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}
	if s.config.DeviceID != "" {
		req.Header.Set("X-Fieldsync-Device", s.config.DeviceID)
	}
}
