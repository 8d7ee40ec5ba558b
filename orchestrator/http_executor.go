// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// HTTPExecutor forwards task requests to a remote agent over HTTP.
// Agents accept a POST of the TaskRequest at /api/v1/execute and
// answer with a TaskResult body.
type HTTPExecutor struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor for one agent endpoint. The
// client timeout is a backstop; per-task deadlines arrive via ctx.
func NewHTTPExecutor(endpoint string) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Execute sends the task to the agent and maps transport and status
// failures onto the dispatch error taxonomy.
func (e *HTTPExecutor) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal task request: %v", ErrValidation, err)
	}

	url := e.endpoint + "/api/v1/execute"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent %s: %w", req.AgentID, ErrTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("agent %s unreachable: %w", req.AgentID, ErrTransientUpstream)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Error closing response body: %v", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", ErrTransientUpstream)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("agent %s returned status %d: %w", req.AgentID, resp.StatusCode, ErrTransientUpstream)
	default:
		return nil, fmt.Errorf("%w: agent %s rejected request with status %d", ErrValidation, req.AgentID, resp.StatusCode)
	}

	var result TaskResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse agent response: %w", ErrTransientUpstream)
	}
	return &result, nil
}

// HTTPExecutors builds an executor per agent that declares an
// endpoint. Agents without endpoints are skipped; they need an
// in-process executor registered separately.
func HTTPExecutors(agents []AgentDef) ExecutorSet {
	set := make(ExecutorSet)
	for _, agent := range agents {
		if agent.Endpoint == "" {
			continue
		}
		set[agent.ID] = NewHTTPExecutor(agent.Endpoint)
	}
	return set
}
