// Package huly implements the REST client for the PM system.
//
// The client is stateless; pacing, retry, and error classification live
// in the shared httpx layer. All timestamps on the wire are epoch
// milliseconds.
package huly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hulylabs/vibesync/internal/httpx"
)

// Project is a PM project summary.
type Project struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
}

// Issue is a PM issue as returned by the REST API.
type Issue struct {
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority,omitempty"`
	ModifiedOn  int64  `json:"modifiedOn"`
	Parent      string `json:"parentIdentifier,omitempty"`
	Project     string `json:"project,omitempty"`
}

// IssuePage is one page of a project's issues.
type IssuePage struct {
	Issues []Issue `json:"issues"`
	Count  int     `json:"count"`
}

// BulkProjectIssues is the per-project slice of a bulk fetch response.
type BulkProjectIssues struct {
	Issues []Issue         `json:"issues"`
	Count  int             `json:"count"`
	Meta   json.RawMessage `json:"syncMeta,omitempty"`
}

// BulkResult is the full bulk-by-projects response.
type BulkResult struct {
	Projects     map[string]BulkProjectIssues `json:"projects"`
	TotalIssues  int                          `json:"totalIssues"`
	ProjectCount int                          `json:"projectCount"`
	NotFound     []string                     `json:"notFound,omitempty"`
}

// BulkRequest selects projects and filters for a bulk fetch.
type BulkRequest struct {
	Projects            []string `json:"projects"`
	ModifiedSince       int64    `json:"modifiedSince,omitempty"`
	CreatedSince        int64    `json:"createdSince,omitempty"`
	Limit               int      `json:"limit,omitempty"`
	IncludeDescriptions bool     `json:"includeDescriptions,omitempty"`
	Fields              []string `json:"fields,omitempty"`
}

// IssueUpdate is one row of a bulk patch.
type IssueUpdate struct {
	Identifier string         `json:"identifier"`
	Changes    map[string]any `json:"changes"`
}

// BulkUpdateRow reports per-row success of a bulk patch.
type BulkUpdateRow struct {
	Identifier string `json:"identifier"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Bulk size caps enforced client-side; the server rejects larger batches.
const (
	MaxBulkFetchProjects = 100
	MaxBulkUpdateRows    = 25
)

// Client talks to the PM REST API.
type Client struct {
	baseURL string
	token   string
	http    *httpx.Client
}

// NewClient creates a PM client. The httpx client carries the pacing
// and retry policy.
func NewClient(baseURL, token string, hc *httpx.Client) *Client {
	if hc == nil {
		hc = httpx.NewClient(httpx.Options{Timeout: 120 * time.Second})
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any, op string) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return c.http.Do(ctx, httpx.Request{
		Method:    method,
		URL:       c.baseURL + path,
		Body:      body,
		Headers:   headers,
		Operation: "huly." + op,
	})
}

// ListProjects returns all PM projects, archived included.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	body, err := c.do(ctx, "GET", "/projects", nil, "list_projects")
	if err != nil {
		return nil, err
	}
	var projects []Project
	if err := json.Unmarshal(body, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse projects response: %w", err)
	}
	return projects, nil
}

// ListIssues returns a project's issues modified at or after the cursor.
// modifiedSince of zero fetches everything.
func (c *Client) ListIssues(ctx context.Context, projectID string, modifiedSince int64, limit int) (*IssuePage, error) {
	params := url.Values{}
	if modifiedSince > 0 {
		params.Set("modifiedSince", strconv.FormatInt(modifiedSince, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/projects/" + url.PathEscape(projectID) + "/issues"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	body, err := c.do(ctx, "GET", path, nil, "list_issues")
	if err != nil {
		return nil, err
	}
	var page IssuePage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse issues response: %w", err)
	}
	return &page, nil
}

// ListIssuesBulk fetches issues for many projects in one call. The
// caller chunks the project list; batches over MaxBulkFetchProjects
// are rejected here rather than by the server.
func (c *Client) ListIssuesBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if len(req.Projects) == 0 {
		return &BulkResult{Projects: map[string]BulkProjectIssues{}}, nil
	}
	if len(req.Projects) > MaxBulkFetchProjects {
		return nil, fmt.Errorf("bulk fetch limited to %d projects, got %d", MaxBulkFetchProjects, len(req.Projects))
	}
	body, err := c.do(ctx, "POST", "/issues/bulk-by-projects", req, "bulk_fetch")
	if err != nil {
		return nil, err
	}
	var result BulkResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse bulk fetch response: %w", err)
	}
	return &result, nil
}

// CreateIssue creates a PM issue and returns the stored copy.
func (c *Client) CreateIssue(ctx context.Context, projectID, title, description, status, priority string) (*Issue, error) {
	payload := map[string]any{
		"project_identifier": projectID,
		"title":              title,
	}
	if description != "" {
		payload["description"] = description
	}
	if status != "" {
		payload["status"] = status
	}
	if priority != "" {
		payload["priority"] = priority
	}
	body, err := c.do(ctx, "POST", "/issues", payload, "create_issue")
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	return &issue, nil
}

// GetIssue fetches one PM issue. A missing issue surfaces as an
// httpx.ClassNotFound error, which the orchestrator uses for its
// explicit deletion recheck.
func (c *Client) GetIssue(ctx context.Context, identifier string) (*Issue, error) {
	body, err := c.do(ctx, "GET", "/issues/"+url.PathEscape(identifier), nil, "get_issue")
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse issue response: %w", err)
	}
	return &issue, nil
}

// PatchIssue applies a partial update to one issue.
func (c *Client) PatchIssue(ctx context.Context, identifier string, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := c.do(ctx, "PATCH", "/issues/"+url.PathEscape(identifier), changes, "patch_issue")
	return err
}

// PatchIssuesBulk patches up to MaxBulkUpdateRows issues in one call
// and returns per-row outcomes.
func (c *Client) PatchIssuesBulk(ctx context.Context, updates []IssueUpdate) ([]BulkUpdateRow, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	if len(updates) > MaxBulkUpdateRows {
		return nil, fmt.Errorf("bulk update limited to %d rows, got %d", MaxBulkUpdateRows, len(updates))
	}
	body, err := c.do(ctx, "PATCH", "/issues/bulk", map[string]any{"updates": updates}, "bulk_update")
	if err != nil {
		return nil, err
	}
	var result struct {
		Results []BulkUpdateRow `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse bulk update response: %w", err)
	}
	return result.Results, nil
}

// SetParent links an issue under a parent; an empty parent unlinks.
func (c *Client) SetParent(ctx context.Context, identifier, parentIdentifier string) error {
	payload := map[string]any{"parentIdentifier": nil}
	if parentIdentifier != "" {
		payload["parentIdentifier"] = parentIdentifier
	}
	_, err := c.do(ctx, "PATCH", "/issues/"+url.PathEscape(identifier)+"/parent", payload, "set_parent")
	return err
}

// DeleteIssue removes a PM issue. cascade extends the delete to
// sub-issues.
func (c *Client) DeleteIssue(ctx context.Context, identifier string, cascade bool) error {
	path := "/issues/" + url.PathEscape(identifier)
	if cascade {
		path += "?cascade=true"
	}
	_, err := c.do(ctx, "DELETE", path, nil, "delete_issue")
	return err
}
