package camunda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/seantiz/bptl/internal/codec"
)

const maxErrorBody = 16 << 10

// Operation names used in errors, spans and metrics.
const (
	OpFetchAndLock  = "fetch_and_lock"
	OpExtendLock    = "extend_lock"
	OpComplete      = "complete"
	OpReportFailure = "report_failure"
)

// Config holds the engine connection settings.
type Config struct {
	// BaseURL is the engine REST root, e.g. http://camunda:8080/engine-rest.
	BaseURL string

	// AuthHeader is sent as the Authorization header when non-empty.
	AuthHeader string

	// Timeout bounds every request.
	Timeout time.Duration

	// RequestsPerSecond caps the request rate. Zero means unlimited.
	RequestsPerSecond float64
}

// Compile-time interface satisfaction check.
var _ LockManager = (*Client)(nil)

// Client is the HTTP implementation of LockManager.
type Client struct {
	baseURL    string
	authHeader string
	http       *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
}

// NewClient creates an engine client. A nil hc gets a client bounded by
// cfg.Timeout.
func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: cfg.AuthHeader,
		http:       hc,
		limiter:    rate.NewLimiter(limit, burst),
		tracer:     otel.Tracer("github.com/seantiz/bptl/internal/camunda"),
	}
}

type fetchTopic struct {
	TopicName    string `json:"topicName"`
	LockDuration int64  `json:"lockDuration"`
}

type fetchAndLockRequest struct {
	WorkerID    string       `json:"workerId"`
	MaxTasks    int          `json:"maxTasks"`
	UsePriority bool         `json:"usePriority"`
	Topics      []fetchTopic `json:"topics"`
}

type lockedTask struct {
	ID                 string          `json:"id"`
	TopicName          string          `json:"topicName"`
	WorkerID           string          `json:"workerId"`
	LockExpirationTime string          `json:"lockExpirationTime"`
	Priority           int             `json:"priority"`
	Retries            *int            `json:"retries"`
	Variables          codec.Variables `json:"variables"`
	ProcessInstanceID  string          `json:"processInstanceId"`
	BusinessKey        string          `json:"businessKey"`
}

type extendLockRequest struct {
	WorkerID    string `json:"workerId"`
	NewDuration int64  `json:"newDuration"`
}

type completeRequest struct {
	WorkerID  string          `json:"workerId"`
	Variables codec.Variables `json:"variables"`
}

type failureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

// FetchAndLock locks up to maxTasks tasks of topic for workerID.
func (c *Client) FetchAndLock(ctx context.Context, workerID, topic string, maxTasks int, lockDuration time.Duration) ([]Claim, error) {
	req := fetchAndLockRequest{
		WorkerID:    workerID,
		MaxTasks:    maxTasks,
		UsePriority: true,
		Topics:      []fetchTopic{{TopicName: topic, LockDuration: lockDuration.Milliseconds()}},
	}

	requested := time.Now()
	var locked []lockedTask
	if err := c.call(ctx, OpFetchAndLock, "/external-task/fetchAndLock", req, &locked,
		attribute.String("camunda.topic", topic),
		attribute.String("camunda.worker_id", workerID),
	); err != nil {
		return nil, err
	}

	claims := make([]Claim, 0, len(locked))
	for _, lt := range locked {
		expires, err := parseEngineTime(lt.LockExpirationTime)
		if err != nil {
			// A lease we cannot read is assumed to start at the request.
			expires = requested.Add(lockDuration)
		}
		owner := lt.WorkerID
		if owner == "" {
			owner = workerID
		}
		claims = append(claims, Claim{
			ExternalTaskID:    lt.ID,
			TopicName:         lt.TopicName,
			WorkerID:          owner,
			Variables:         lt.Variables,
			LockExpiresAt:     expires,
			Priority:          lt.Priority,
			Retries:           lt.Retries,
			ProcessInstanceID: lt.ProcessInstanceID,
			BusinessKey:       lt.BusinessKey,
		})
	}
	return claims, nil
}

// ExtendLock renews the lock workerID holds on the task.
func (c *Client) ExtendLock(ctx context.Context, externalTaskID, workerID string, newDuration time.Duration) error {
	return c.call(ctx, OpExtendLock, taskPath(externalTaskID, "extendLock"),
		extendLockRequest{WorkerID: workerID, NewDuration: newDuration.Milliseconds()}, nil,
		attribute.String("camunda.external_task_id", externalTaskID),
		attribute.String("camunda.worker_id", workerID),
	)
}

// Complete reports success with the result variables and releases the lock.
func (c *Client) Complete(ctx context.Context, externalTaskID, workerID string, vars codec.Variables) error {
	if vars == nil {
		vars = codec.Variables{}
	}
	return c.call(ctx, OpComplete, taskPath(externalTaskID, "complete"),
		completeRequest{WorkerID: workerID, Variables: vars}, nil,
		attribute.String("camunda.external_task_id", externalTaskID),
		attribute.String("camunda.worker_id", workerID),
	)
}

// ReportFailure reports a failed attempt. The engine re-offers the task after
// f.RetryTimeout while f.RetriesLeft > 0 and raises an incident at zero.
func (c *Client) ReportFailure(ctx context.Context, externalTaskID, workerID string, f Failure) error {
	return c.call(ctx, OpReportFailure, taskPath(externalTaskID, "failure"),
		failureRequest{
			WorkerID:     workerID,
			ErrorMessage: f.Message,
			ErrorDetails: f.Details,
			Retries:      max(f.RetriesLeft, 0),
			RetryTimeout: f.RetryTimeout.Milliseconds(),
		}, nil,
		attribute.String("camunda.external_task_id", externalTaskID),
		attribute.String("camunda.worker_id", workerID),
		attribute.Int("camunda.retries", f.RetriesLeft),
	)
}

func taskPath(externalTaskID, action string) string {
	return "/external-task/" + url.PathEscape(externalTaskID) + "/" + action
}

// call POSTs body to path and decodes the response into out when non-nil.
func (c *Client) call(ctx context.Context, op, path string, body, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, span := c.tracer.Start(ctx, "camunda."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	start := time.Now()
	defer func() {
		observeCall(op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb engineErrorBody
		if jsonErr := json.Unmarshal(raw, &eb); jsonErr != nil {
			eb.Message = string(raw)
		}
		return classify(op, resp.StatusCode, eb)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func parseEngineTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(codec.DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
