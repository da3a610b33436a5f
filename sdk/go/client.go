package safelinesdk

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
)

// Client is a minimal safeline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// ChangeEvent is one entry of a change request's log.
type ChangeEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	User        string    `json:"user"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

// ChangeRequest represents the API change request model (partial).
type ChangeRequest struct {
	ID                   string        `json:"id"`
	ProjectID            string        `json:"project_id"`
	Title                string        `json:"title"`
	Type                 string        `json:"type"`
	Priority             string        `json:"priority"`
	Status               string        `json:"status"`
	IsDualReviewRequired bool          `json:"is_dual_review_required"`
	RequestedBy          string        `json:"requested_by,omitempty"`
	Reviewer1            string        `json:"reviewer1,omitempty"`
	Reviewer2            string        `json:"reviewer2,omitempty"`
	RejectionReason      string        `json:"rejection_reason,omitempty"`
	ImplementedBy        string        `json:"implemented_by,omitempty"`
	Events               []ChangeEvent `json:"events"`
}

// ChangeInput holds the fields accepted when creating a change request.
type ChangeInput struct {
	ID               string `json:"id,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Type             string `json:"type,omitempty"`
	Priority         string `json:"priority,omitempty"`
	AffectedResource string `json:"affected_resource,omitempty"`
	ImpactAnalysis   string `json:"impact_analysis,omitempty"`
	DualReview       *bool  `json:"dual_review,omitempty"`
}

type NonConformity struct {
	Standard string `json:"standard"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

// Assessment is a stored evaluation. The checklist is kept raw.
type Assessment struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	SystemName    string          `json:"system_name"`
	SummarySource string          `json:"summary_source"`
	Checklist     json.RawMessage `json:"checklist"`
	Result        struct {
		IsCompliant        bool            `json:"is_compliant"`
		Summary            string          `json:"summary"`
		NonConformities    []NonConformity `json:"non_conformities"`
		RecommendedActions []string        `json:"recommended_actions"`
	} `json:"result"`
	CreatedAt string `json:"created_at"`
}

// Risk is the ISO 12100 score of one hazard.
type Risk struct {
	Hazard         string `json:"hazard,omitempty"`
	Score          int    `json:"score"`
	Level          string `json:"level"`
	Recommendation string `json:"recommendation"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedChanges wraps change listings with cursors.
type PaginatedChanges struct {
	Items      []ChangeRequest `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// ScoreRisk scores a hazard on the risk matrix.
func (c *Client) ScoreRisk(ctx context.Context, hazard string, severity, frequency, avoidance int) (Risk, error) {
	body := map[string]any{"hazard": hazard, "severity": severity, "frequency": frequency, "avoidance": avoidance}
	var resp Risk
	err := c.do(ctx, http.MethodPost, "v0/safety/risk", body, &resp)
	return resp, err
}

// CreateChange creates a Draft change request.
func (c *Client) CreateChange(ctx context.Context, in ChangeInput) (ChangeRequest, error) {
	var resp ChangeRequest
	err := c.do(ctx, http.MethodPost, c.projectPath("changes"), in, &resp)
	return resp, err
}

// GetChange fetches a change request with its event log.
func (c *Client) GetChange(ctx context.Context, id string) (ChangeRequest, error) {
	var resp ChangeRequest
	err := c.do(ctx, http.MethodGet, c.projectPath("changes/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListChanges returns one page of change requests, newest first.
func (c *Client) ListChanges(ctx context.Context, status string, limit int, cursor string) (PaginatedChanges, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedChanges
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("changes"), q), nil, &resp)
	return resp, err
}

func (c *Client) SubmitChange(ctx context.Context, id string) (ChangeRequest, error) {
	return c.transition(ctx, id, "submit", nil)
}

// ApproveChange records a review. Set second for the second review of a
// dual-review change.
func (c *Client) ApproveChange(ctx context.Context, id, comment string, second bool) (ChangeRequest, error) {
	return c.transition(ctx, id, "approve", map[string]any{"comment": comment, "second": second})
}

func (c *Client) RejectChange(ctx context.Context, id, reason string) (ChangeRequest, error) {
	return c.transition(ctx, id, "reject", map[string]any{"reason": reason})
}

func (c *Client) ImplementChange(ctx context.Context, id string) (ChangeRequest, error) {
	return c.transition(ctx, id, "implement", nil)
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (ChangeRequest, error) {
	var resp ChangeRequest
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("changes/%s/%s", url.PathEscape(id), action)), body, &resp)
	return resp, err
}

// Evaluate submits a compliance checklist and returns the stored verdict.
// checklist is any value that marshals to the checklist schema.
func (c *Client) Evaluate(ctx context.Context, checklist any) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodPost, c.projectPath("assessments"), checklist, &resp)
	return resp, err
}

func (c *Client) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodGet, c.projectPath("assessments/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SetAssessmentSummary replaces the summary; an empty one restores the
// generated text.
func (c *Client) SetAssessmentSummary(ctx context.Context, id, summary string) (Assessment, error) {
	var resp Assessment
	endpoint := c.projectPath(fmt.Sprintf("assessments/%s/summary", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"summary": summary}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("events"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
