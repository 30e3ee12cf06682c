package grist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/solatis/condfmt/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{ServerURL: srv.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	for _, u := range []string{"", "docs.example.com", "://bad"} {
		if _, err := New(Config{ServerURL: u}); err == nil {
			t.Errorf("New(%q) succeeded, want error", u)
		}
	}
}

func TestApplyActions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/docs/doc1/apply" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		var actions [][]any
		if err := json.NewDecoder(r.Body).Decode(&actions); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(actions) != 2 || actions[0][0] != "AddEmptyRule" || actions[0][2] != nil {
			t.Errorf("actions = %v", actions)
		}
		w.Write([]byte(`{"actionNum": 42, "retValues": [null, null]}`))
	})

	res, err := c.ApplyActions(context.Background(), "doc1", []types.Action{
		{"AddEmptyRule", "Orders", nil, int64(3)},
		{"ModifyColumn", "Orders", "gristHelper_ConditionalRule", map[string]any{"formula": "True"}},
	})
	if err != nil {
		t.Fatalf("ApplyActions() error = %v", err)
	}
	if res.ActionNum != 42 || len(res.RetValues) != 2 {
		t.Errorf("result = %+v, want actionNum 42 with 2 values", res)
	}
}

func TestApplyActions_RejectionIsApplyError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "[Sandbox] KeyError 'gristHelper_ConditionalRule2'"}`))
	})

	_, err := c.ApplyActions(context.Background(), "doc1", []types.Action{{"ModifyColumn", "T", "x", map[string]any{}}})
	var applyErr *types.ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("error = %v, want *types.ApplyError", err)
	}
	if applyErr.Status != http.StatusBadRequest || !strings.Contains(applyErr.Message, "KeyError") {
		t.Errorf("ApplyError = %+v", applyErr)
	}
}

func TestApplyActions_ServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantApply bool
	}{
		{name: "engine error body", body: `{"error": "KeyError 'gristHelper_ConditionalRule2'"}`, wantApply: true},
		{name: "gateway page", body: "<html>502 Bad Gateway</html>"},
		{name: "empty body", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(tt.body))
			})

			_, err := c.ApplyActions(context.Background(), "doc1", []types.Action{{"ModifyColumn", "T", "x", map[string]any{}}})
			if err == nil {
				t.Fatal("ApplyActions() succeeded, want error")
			}
			var applyErr *types.ApplyError
			if got := errors.As(err, &applyErr); got != tt.wantApply {
				t.Fatalf("errors.As(ApplyError) = %v, want %v (err = %v)", got, tt.wantApply, err)
			}
			if tt.wantApply && (applyErr.Status != http.StatusInternalServerError || !strings.Contains(applyErr.Message, "KeyError")) {
				t.Errorf("ApplyError = %+v", applyErr)
			}
		})
	}
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "document not found"}`))
	})

	ctx := context.Background()
	if _, err := c.ListColumns(ctx, "missing", "T"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ListColumns() error = %v, want ErrNotFound", err)
	}
	if _, err := c.ApplyActions(ctx, "missing", nil); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ApplyActions() error = %v, want ErrNotFound", err)
	}
}

func TestQuerySQL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/docs/doc1/sql" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req sqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !strings.HasPrefix(req.SQL, "SELECT") || len(req.Args) != 1 || req.Args[0] != float64(7) {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"statement": "...", "records": [{"fields": {"rules": "[12,13]", "opts": ""}}]}`))
	})

	rows, err := c.QuerySQL(context.Background(), "doc1", "SELECT rules AS rules, widgetOptions AS opts FROM _grist_Tables_column WHERE id = ?", 7)
	if err != nil {
		t.Fatalf("QuerySQL() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["rules"] != "[12,13]" {
		t.Errorf("rows = %v", rows)
	}
}

func TestQuerySQL_ServerErrorIsNotApplyError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	_, err := c.QuerySQL(context.Background(), "doc1", "SELECT 1")
	var applyErr *types.ApplyError
	if err == nil || errors.As(err, &applyErr) {
		t.Fatalf("error = %v, want plain transport error", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q should carry the body", err)
	}
}

func TestListColumns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/docs/doc1/tables/Orders/columns" || r.URL.Query().Get("hidden") != "true" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"columns": [
			{"id": "Amount", "fields": {"colRef": 3, "type": "Numeric", "isFormula": false, "formula": "", "widgetOptions": "{\"decimals\":2}"}},
			{"id": "gristHelper_ConditionalRule", "fields": {"colRef": 9, "type": "Any", "isFormula": true, "formula": "$Amount > 1"}}
		]}`))
	})

	columns, err := c.ListColumns(context.Background(), "doc1", "Orders")
	if err != nil {
		t.Fatalf("ListColumns() error = %v", err)
	}
	if len(columns) != 2 {
		t.Fatalf("got %d columns, want 2", len(columns))
	}
	if columns[0].Ref != 3 || columns[0].Type != "Numeric" || columns[0].WidgetOptions != `{"decimals":2}` {
		t.Errorf("column 0 = %+v", columns[0])
	}
	if columns[1].Ref != 9 || !columns[1].IsFormula || columns[1].Formula != "$Amount > 1" {
		t.Errorf("column 1 = %+v", columns[1])
	}
}
