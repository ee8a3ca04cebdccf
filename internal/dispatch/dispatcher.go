// Package dispatch sends resolved skill calls to the app microservices
// that implement them and classifies the HTTP outcome into the shapes
// the tool-calling loop and billing layer need.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmates/ai-core/internal/retry"
)

const callTimeout = 20 * time.Second

// Dispatcher sends skill calls to "app-<app_id>:8000/skills/<skill_id>".
// A single timeout-triggered retry is attempted per call; any other error
// is returned immediately (spec.md §4.7's dispatcher step).
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client: &http.Client{Timeout: callTimeout},
		logger: logger,
	}
}

// Request is one request-array element bound for a skill, already
// normalized and id-assigned by internal/agent.
type Request struct {
	AppID   string
	SkillID string
	Payload json.RawMessage
}

// Response is the raw body of a skill's HTTP response plus its status.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Dispatch POSTs the request payload to the skill's app and retries once,
// but only when the first attempt failed with a timeout — any other
// error (connection refused, 4xx/5xx, malformed body) is returned as-is.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	resp, err := d.call(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !isTimeout(err) {
		return nil, err
	}

	d.logger.Warn("skill call timed out, retrying once",
		"app_id", req.AppID, "skill_id", req.SkillID)

	result := retry.Do(ctx, retry.Config{MaxAttempts: 1}, func() error {
		var callErr error
		resp, callErr = d.call(ctx, req)
		return callErr
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return resp, nil
}

func (d *Dispatcher) call(ctx context.Context, req Request) (*Response, error) {
	url := fmt.Sprintf("http://app-%s:8000/skills/%s", req.AppID, req.SkillID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %s-%s: %w", req.AppID, req.SkillID, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %s-%s: read body: %w", req.AppID, req.SkillID, err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: body}, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for u := err; u != nil; {
		if tt, ok := u.(timeouter); ok {
			t = tt
			break
		}
		unwrapper, ok := u.(interface{ Unwrap() error })
		if !ok {
			break
		}
		u = unwrapper.Unwrap()
	}
	return t != nil && t.Timeout()
}
