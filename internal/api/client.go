// Package api is the HTTP client for the shift server's REST surface. The
// server is the system of record; every call here is either a reconciliation
// read or a segment-level transition keyed by server-issued ids.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/protomem/shift-agent/internal/ctxstore"
	"github.com/protomem/shift-agent/internal/model"
)

const _defaultTimeout = 10 * time.Second

const _traceIDKey = ctxstore.Key("traceId")

// TokenSource yields the current auth token, or "" when the actor is logged
// out.
type TokenSource func() string

type Client struct {
	Logger *slog.Logger

	baseURL string
	token   TokenSource
	http    *http.Client
}

func NewClient(logger *slog.Logger, baseURL string, token TokenSource) *Client {
	return &Client{
		Logger:  logger.With("module", "api"),
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: _defaultTimeout},
	}
}

// ActiveSessions fetches the active sessions for the current actor. The
// server returns an empty or singleton collection.
func (c *Client) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	if err := c.do(ctx, http.MethodGet, "/assignments/active", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Stop closes the open segment identified by id.
func (c *Client) Stop(ctx context.Context, segmentID model.ID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/assignments/%d/stop", segmentID), nil, nil)
}

// Pause closes the open work segment and opens a pause segment.
func (c *Client) Pause(ctx context.Context, segmentID model.ID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/assignments/%d/pause", segmentID), nil, nil)
}

// Resume closes the open pause segment and opens a work segment.
func (c *Client) Resume(ctx context.Context, segmentID model.ID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/assignments/%d/resume", segmentID), nil, nil)
}

type SwitchTaskDTO struct {
	Description string `json:"description"`
}

// SwitchTask closes the current open segment and opens a new work segment on
// the same assignment.
func (c *Client) SwitchTask(ctx context.Context, assignmentID model.ID, dto SwitchTaskDTO) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/assignments/%d/switch-task", assignmentID), dto, nil)
}

type StartAssignmentDTO struct {
	WorkerID        model.ID `json:"workerId"`
	EmployerID      model.ID `json:"employerId"`
	Description     string   `json:"description"`
	TaskDescription string   `json:"taskDescription"`
}

// StartAssignment creates a new assignment with its first open segment and
// returns the resulting session.
func (c *Client) StartAssignment(ctx context.Context, dto StartAssignmentDTO) (model.Session, error) {
	var session model.Session
	if err := c.do(ctx, http.MethodPost, "/assignments/start", dto, &session); err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// GroupedAssignments fetches the date-grouped read model for list views.
func (c *Client) GroupedAssignments(ctx context.Context) ([]model.AssignmentGroup, error) {
	var groups []model.AssignmentGroup
	if err := c.do(ctx, http.MethodGet, "/assignments/grouped", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// AssignmentsSummary fetches the aggregate read model.
func (c *Client) AssignmentsSummary(ctx context.Context) (model.AssignmentsSummary, error) {
	var summary model.AssignmentsSummary
	if err := c.do(ctx, http.MethodGet, "/assignments/summary", nil, &summary); err != nil {
		return model.AssignmentsSummary{}, err
	}
	return summary, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	tid := ctxstore.FromOr(ctx, _traceIDKey, uuid.NewString())
	req.Header.Set("X-Trace-Id", tid)

	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Logger.Debug("request", "method", method, "path", path, _traceIDKey.String(), tid)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := statusError(res); err != nil {
		c.Logger.Debug("request failed", "method", method, "path", path, "status", res.StatusCode)
		return err
	}

	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}

	return json.NewDecoder(res.Body).Decode(out)
}

func statusError(res *http.Response) error {
	switch {
	case res.StatusCode < 400:
		return nil
	case res.StatusCode == http.StatusNotFound:
		return model.NewError("server", model.ErrNotFound)
	case res.StatusCode == http.StatusConflict:
		return model.NewError("server", model.ErrConflict)
	default:
		return fmt.Errorf("server: unexpected status %d", res.StatusCode)
	}
}
