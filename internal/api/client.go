// Package api is the HTTP client for the draft backend: save draft, refetch
// draft, open the run stream and stop a running task.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/draftflow/pkg/schema"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultDetachedTimeout = 3 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// Config configures the backend client.
type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	DetachedTimeout time.Duration
	MaxResponseBody int64
}

// Client talks to the draft backend. The zero value is not usable; construct
// with NewClient.
type Client struct {
	cfg  Config
	http *http.Client
	// streamClient has no overall timeout: the run stream stays open for the
	// lifetime of a run and is bounded by the request context instead.
	streamClient *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DetachedTimeout <= 0 {
		cfg.DetachedTimeout = defaultDetachedTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:          cfg,
		http:         &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

// errorBody is the wire shape of a non-2xx response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SaveDraft performs the authoritative draft save. A stale hash comes back as
// a DraftError with code CONFLICT and wire code draft_out_of_sync.
func (c *Client) SaveDraft(ctx context.Context, pipelineID string, payload schema.DraftPayload) (*schema.DraftSaveResponse, error) {
	var out schema.DraftSaveResponse
	path := fmt.Sprintf("/pipelines/%s/workflows/draft", pipelineID)
	if err := c.postJSON(ctx, c.http, path, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveDraftDetached fires the same save without reading the response. Used on
// page teardown: it must not block the caller and has no result to react to.
// Runs on a detached goroutine with its own timeout budget.
func (c *Client) SaveDraftDetached(pipelineID string, payload schema.DraftPayload) {
	go func() {
		defer func() {
			// A teardown-path send must never take the process down.
			_ = recover()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DetachedTimeout)
		defer cancel()
		path := fmt.Sprintf("/pipelines/%s/workflows/draft", pipelineID)
		_ = c.postJSON(ctx, c.http, path, payload, nil)
	}()
}

// FetchDraft retrieves the full server-held draft. Used by conflict recovery
// to discard local state and resynchronize.
func (c *Client) FetchDraft(ctx context.Context, pipelineID string) (*schema.Draft, error) {
	path := fmt.Sprintf("/pipelines/%s/workflows/draft", pipelineID)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "fetch draft: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(resp)
	}
	var draft schema.Draft
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.cfg.MaxResponseBody)).Decode(&draft); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "decode draft: %s", err.Error()).WithCause(err)
	}
	return &draft, nil
}

// OpenRunStream starts a trial run of the draft and returns the raw event
// stream. The caller owns the returned body and must close it; the stream is
// cancelled through ctx.
func (c *Client) OpenRunStream(ctx context.Context, pipelineID string, params map[string]any) (io.ReadCloser, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal run params: %s", err.Error()).WithCause(err)
	}
	path := fmt.Sprintf("/pipelines/%s/workflows/draft/run", pipelineID)
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "open run stream: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	return resp.Body, nil
}

// StopTask asks the backend to stop a running task. Advisory: the local run
// state only changes when the stream delivers the terminal event.
func (c *Client) StopTask(ctx context.Context, pipelineID, taskID string) error {
	path := fmt.Sprintf("/pipelines/%s/workflow-runs/tasks/%s/stop", pipelineID, taskID)
	return c.postJSON(ctx, c.http, path, map[string]any{}, nil)
}

// postJSON issues a POST with a JSON body and optionally decodes a JSON
// response into out.
func (c *Client) postJSON(ctx context.Context, hc *http.Client, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal request body: %s", err.Error()).WithCause(err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "request cancelled").WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeTransport, "POST %s: %s", path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.cfg.MaxResponseBody)).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "decode response: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

// decodeError maps a non-2xx response to a DraftError, preserving the
// machine-readable wire code so callers can detect the stale-draft conflict.
func (c *Client) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	if eb.Code == schema.WireCodeDraftOutOfSync {
		return schema.NewError(schema.ErrCodeConflict, "draft out of sync").
			WithWireCode(eb.Code).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "backend returned %d: %s", resp.StatusCode, msg).
		WithWireCode(eb.Code).
		WithDetails(map[string]any{"status": resp.StatusCode})
}
