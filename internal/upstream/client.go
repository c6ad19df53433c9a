// Package upstream is a typed HTTP client for the annotation store: the
// authoritative source of tasks and annotations (C2).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/audio-task-dispatch/pkg/retry"
	"github.com/ramiqadoumi/audio-task-dispatch/pkg/telemetry"
)

// Client is the C2 Upstream Client contract.
type Client interface {
	ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error)
	GetTask(ctx context.Context, taskID int64) (domain.TaskMeta, error)
	CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (int64, error)
	Ping(ctx context.Context) error
}

// RetryConfig controls how transient failures are retried.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type client struct {
	baseURL    string
	apiKey     string
	projectID  int64
	httpClient *http.Client
	retry      RetryConfig
}

// New creates a Client against the given annotation-store base URL.
func New(baseURL, apiKey string, projectID int64, timeout time.Duration, retryCfg RetryConfig) Client {
	return &client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		projectID:  projectID,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retryCfg,
	}
}

type taskListResponse struct {
	Tasks []struct {
		ID              int64   `json:"id"`
		AnnotationCount int     `json:"total_annotations"`
	} `json:"tasks"`
}

func (c *client) ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := c.doRetried(ctx, "list_unlabeled", func() error {
		url := fmt.Sprintf("%s/api/projects/%d/tasks?page_size=-1", c.baseURL, c.projectID)
		var resp taskListResponse
		if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
			return err
		}
		ids = ids[:0]
		for _, t := range resp.Tasks {
			if t.AnnotationCount == 0 {
				ids = append(ids, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type taskResponse struct {
	ID   int64 `json:"id"`
	Data struct {
		FileName        string  `json:"file_name"`
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"data"`
}

func (c *client) GetTask(ctx context.Context, taskID int64) (domain.TaskMeta, error) {
	var meta domain.TaskMeta
	err := c.doRetried(ctx, "get_task", func() error {
		url := fmt.Sprintf("%s/api/tasks/%d", c.baseURL, taskID)
		var resp taskResponse
		if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
			return err
		}
		meta = domain.TaskMeta{
			TaskID:          resp.ID,
			FileName:        resp.Data.FileName,
			DurationSeconds: resp.Data.DurationSeconds,
		}
		return nil
	})
	if err != nil {
		return domain.TaskMeta{}, err
	}
	return meta, nil
}

type createAnnotationRequest struct {
	Result  []annotationResult `json:"result"`
	AgentID int64               `json:"agent_id"`
}

type annotationResult struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type createAnnotationResponse struct {
	ID int64 `json:"id"`
}

func (c *client) CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (int64, error) {
	body := createAnnotationRequest{
		Result: []annotationResult{{
			Type:  "textarea",
			Value: map[string]any{"text": []string{text}},
		}},
		AgentID: agentID,
	}
	var annotationID int64
	err := c.doRetried(ctx, "create_annotation", func() error {
		url := fmt.Sprintf("%s/api/tasks/%d/annotations", c.baseURL, taskID)
		var resp createAnnotationResponse
		if err := c.doJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
			return err
		}
		annotationID = resp.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return annotationID, nil
}

func (c *client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/projects/%d", c.baseURL, c.projectID)
	err := c.doJSON(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		telemetry.UpstreamRequestsTotal.WithLabelValues("ping", "error").Inc()
	} else {
		telemetry.UpstreamRequestsTotal.WithLabelValues("ping", "ok").Inc()
	}
	return err
}

// doRetried runs fn under retry.Do's backoff schedule, short-circuiting on a
// permanent failure instead of burning the remaining attempts on an error
// that will never change: a non-transient lastErr makes the wrapped fn
// report success so retry.Do stops, and the real error surfaces below.
func (c *client) doRetried(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	cfg := retry.Config{
		MaxAttempts: c.retry.MaxAttempts,
		BaseDelay:   c.retry.BaseDelay,
		OnRetry: func(int, error) {
			telemetry.UpstreamRetriesTotal.WithLabelValues(operation).Inc()
		},
	}
	err := retry.Do(ctx, cfg, func() error {
		lastErr = fn()
		if lastErr != nil && !isTransient(lastErr) {
			return nil
		}
		return lastErr
	})
	if err != nil {
		telemetry.UpstreamRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("upstream retry cancelled: %w", err)
	}
	if lastErr != nil {
		telemetry.UpstreamRequestsTotal.WithLabelValues(operation, "error").Inc()
		return lastErr
	}
	telemetry.UpstreamRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}

func isTransient(err error) bool {
	var unavailable *domain.UnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var httpErr *statusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return false
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

func (c *client) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &domain.InternalError{Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &domain.InternalError{Err: err}
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.UnavailableError{Backend: domain.KindUpstream, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &domain.NotFoundError{Resource: "task", ID: url}
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		se := &statusError{StatusCode: resp.StatusCode, Body: string(data)}
		if resp.StatusCode >= 500 {
			return &domain.UnavailableError{Backend: domain.KindUpstream, Err: se}
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.InternalError{Err: fmt.Errorf("decode upstream response: %w", err)}
	}
	return nil
}
