package huly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hulylabs/vibesync/internal/httpx"
)

func testServerClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hc := httpx.NewClient(httpx.Options{MinInterval: -1, MaxRetries: 1, BaseBackoff: time.Millisecond})
	return NewClient(srv.URL, "test-token", hc), srv
}

func TestListProjects(t *testing.T) {
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects" || r.Method != "GET" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing auth header")
		}
		_ = json.NewEncoder(w).Encode([]Project{
			{Identifier: "HVSYN", Name: "Vibe Sync"},
			{Identifier: "OLD", Name: "Legacy", Archived: true},
		})
	})

	projects, err := c.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 2 || projects[0].Identifier != "HVSYN" {
		t.Errorf("unexpected projects: %+v", projects)
	}
}

func TestListIssuesSendsCursor(t *testing.T) {
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/HVSYN/issues" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("modifiedSince"); got != "1000" {
			t.Errorf("expected modifiedSince=1000, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(IssuePage{
			Issues: []Issue{{Identifier: "HVSYN-10", Title: "Fix login", Status: "Backlog", Priority: "High", ModifiedOn: 1000}},
			Count:  1,
		})
	})

	page, err := c.ListIssues(context.Background(), "HVSYN", 1000, 0)
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if page.Count != 1 || page.Issues[0].Identifier != "HVSYN-10" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestListIssuesBulk(t *testing.T) {
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/issues/bulk-by-projects" || r.Method != "POST" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req BulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if len(req.Projects) != 2 || req.ModifiedSince != 500 {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(BulkResult{
			Projects: map[string]BulkProjectIssues{
				"A": {Issues: []Issue{{Identifier: "A-1", Title: "t", Status: "Todo"}}, Count: 1},
				"B": {Count: 0},
			},
			TotalIssues:  1,
			ProjectCount: 2,
			NotFound:     []string{"C"},
		})
	})

	result, err := c.ListIssuesBulk(context.Background(), BulkRequest{
		Projects: []string{"A", "B"}, ModifiedSince: 500, IncludeDescriptions: true,
	})
	if err != nil {
		t.Fatalf("ListIssuesBulk failed: %v", err)
	}
	if result.TotalIssues != 1 || len(result.NotFound) != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(result.Projects["A"].Issues) != 1 {
		t.Errorf("project A issues missing")
	}
}

func TestListIssuesBulkRejectsOversizedBatch(t *testing.T) {
	c := NewClient("http://unused", "", httpx.NewClient(httpx.Options{MinInterval: -1}))
	projects := make([]string, MaxBulkFetchProjects+1)
	for i := range projects {
		projects[i] = "P"
	}
	if _, err := c.ListIssuesBulk(context.Background(), BulkRequest{Projects: projects}); err == nil {
		t.Error("expected oversized batch to be rejected")
	}
}

func TestCreateIssue(t *testing.T) {
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if payload["project_identifier"] != "HVSYN" || payload["title"] != "New issue" {
			t.Errorf("unexpected payload: %+v", payload)
		}
		if _, ok := payload["description"]; ok {
			t.Error("empty description should be omitted")
		}
		_ = json.NewEncoder(w).Encode(Issue{Identifier: "HVSYN-42", Title: "New issue", Status: "Backlog", ModifiedOn: 2000})
	})

	issue, err := c.CreateIssue(context.Background(), "HVSYN", "New issue", "", "Backlog", "Medium")
	if err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	if issue.Identifier != "HVSYN-42" {
		t.Errorf("unexpected issue: %+v", issue)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetIssue(context.Background(), "HVSYN-404")
	if err == nil {
		t.Fatal("expected error")
	}
	if !httpx.IsNotFound(err) {
		t.Errorf("expected not_found class, got %s", httpx.ClassOf(err))
	}
}

func TestPatchIssuesBulk(t *testing.T) {
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/issues/bulk" || r.Method != "PATCH" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []BulkUpdateRow{
				{Identifier: "A-1", Success: true},
				{Identifier: "A-2", Success: false, Error: "status unknown"},
			},
		})
	})

	rows, err := c.PatchIssuesBulk(context.Background(), []IssueUpdate{
		{Identifier: "A-1", Changes: map[string]any{"status": "Done"}},
		{Identifier: "A-2", Changes: map[string]any{"status": "Bogus"}},
	})
	if err != nil {
		t.Fatalf("PatchIssuesBulk failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Success == rows[1].Success {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestPatchIssuesBulkRejectsOversizedBatch(t *testing.T) {
	c := NewClient("http://unused", "", httpx.NewClient(httpx.Options{MinInterval: -1}))
	updates := make([]IssueUpdate, MaxBulkUpdateRows+1)
	for i := range updates {
		updates[i] = IssueUpdate{Identifier: "X", Changes: map[string]any{}}
	}
	if _, err := c.PatchIssuesBulk(context.Background(), updates); err == nil {
		t.Error("expected oversized batch to be rejected")
	}
}

func TestSetParentAndDelete(t *testing.T) {
	var sawParent, sawDelete bool
	c, _ := testServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "PATCH" && r.URL.Path == "/issues/A-2/parent":
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["parentIdentifier"] != "A-1" {
				t.Errorf("unexpected parent payload: %+v", payload)
			}
			sawParent = true
		case r.Method == "DELETE" && r.URL.Path == "/issues/A-3":
			if r.URL.Query().Get("cascade") != "true" {
				t.Errorf("expected cascade=true")
			}
			sawDelete = true
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	ctx := context.Background()
	if err := c.SetParent(ctx, "A-2", "A-1"); err != nil {
		t.Fatalf("SetParent failed: %v", err)
	}
	if err := c.DeleteIssue(ctx, "A-3", true); err != nil {
		t.Fatalf("DeleteIssue failed: %v", err)
	}
	if !sawParent || !sawDelete {
		t.Error("expected both endpoints hit")
	}
}
