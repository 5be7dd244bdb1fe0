// Package analysis calls the media analysis backend that inspects
// uploaded resources and produces metadata for them.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quangdm/mediaq-be/internal/config"
	"github.com/quangdm/mediaq-be/internal/job"
)

// Request identifies the resource to analyze.
type Request struct {
	ResourceKey string `json:"resource_key"`
	ProjectID   string `json:"project_id"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Result carries the metadata extracted from a resource.
type Result struct {
	ResourceKey string            `json:"resource_key"`
	Labels      []string          `json:"labels,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Duration    time.Duration     `json:"-"`
}

// Analyzer inspects a single resource.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// HTTPAnalyzer talks to the analysis backend over HTTP.
type HTTPAnalyzer struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPAnalyzer creates an analyzer from config.
func NewHTTPAnalyzer(cfg config.AnalysisConfig, logger *slog.Logger) *HTTPAnalyzer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "analyzer"),
	}
}

// Analyze posts the request to the analysis backend. Backend and network
// failures are classified as transient so callers can retry; rejected
// requests are terminal.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.ResourceKey == "" {
		return nil, &job.ValidationError{Field: "resource_key", Reason: "is required"}
	}

	started := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, job.NewTransientError(fmt.Errorf("call analysis backend: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("resource %s: %w", req.ResourceKey, job.ErrNotFound)
	case resp.StatusCode >= 500:
		drainBody(resp.Body)
		return nil, job.NewTransientError(fmt.Errorf("analysis backend returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		msg := readErrorMessage(resp.Body)
		return nil, &job.ValidationError{Field: "resource_key", Reason: fmt.Sprintf("rejected by analysis backend: %s", msg)}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, job.NewTransientError(fmt.Errorf("decode analysis response: %w", err))
	}
	result.Duration = time.Since(started)

	a.logger.Debug("resource analyzed",
		"resource_key", req.ResourceKey,
		"labels", len(result.Labels),
		"duration", result.Duration)

	return &result, nil
}

func drainBody(r io.Reader) {
	io.Copy(io.Discard, io.LimitReader(r, 4096))
}

func readErrorMessage(r io.Reader) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&payload); err != nil {
		return "unreadable error body"
	}
	if payload.Error != "" {
		return payload.Error
	}
	if payload.Message != "" {
		return payload.Message
	}
	return "no detail"
}
