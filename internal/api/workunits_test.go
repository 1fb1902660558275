package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/bptl/internal/model"
)

func postWorkUnit(t *testing.T, ts *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := authPost(ts.URL+"/v1/work-units", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/work-units: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestSubmitWorkUnitInitializesZaak(t *testing.T) {
	srv := newTestServer(t)
	srv.zgw.ZaakURL = "zaak_url"
	srv.zgw.ZaakIdentificatie = "foo"

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{
		"topic": "zaak-initialize",
		"vars": {
			"someOtherVar": 123,
			"zaaktype": "https://ztc.example/api/v1/zaaktypen/1",
			"organisatieRSIN": "002220647",
			"services": {"ZRC": {"jwt": "Bearer 12345"}}
		}
	}`
	resp, out := postWorkUnit(t, ts, body)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %v)", resp.StatusCode, out)
	}
	if out["topic"] != "zaak-initialize" {
		t.Errorf("topic = %v, want zaak-initialize", out["topic"])
	}

	vars, _ := out["vars"].(map[string]any)
	if vars["someOtherVar"] != float64(123) {
		t.Errorf("vars.someOtherVar = %v, want 123", vars["someOtherVar"])
	}

	result, _ := out["resultVars"].(map[string]any)
	if result["zaakUrl"] != "zaak_url" {
		t.Errorf("zaakUrl = %v, want zaak_url", result["zaakUrl"])
	}
	if result["zaakIdentificatie"] != "foo" {
		t.Errorf("zaakIdentificatie = %v, want foo", result["zaakIdentificatie"])
	}
	zaak, _ := result["zaak"].(map[string]any)
	if zaak["url"] != "zaak_url" || zaak["identificatie"] != "foo" {
		t.Errorf("zaak = %v, want url zaak_url and identificatie foo", zaak)
	}

	for _, r := range srv.zgw.Requests() {
		want := "Bearer configured"
		if r.Path == "/zrc/zaken" || r.Path == "/zrc/statussen" {
			want = "Bearer 12345"
		}
		if r.Authorization != want {
			t.Errorf("%s %s Authorization = %q, want %q", r.Method, r.Path, r.Authorization, want)
		}
	}

	tasks, total, err := srv.store.ListTasks(context.Background(), storeFilter(model.KindDirect), 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if tasks[0].Status != model.StatusCompleted {
		t.Errorf("status = %q, want %q", tasks[0].Status, model.StatusCompleted)
	}
	if resp.Header.Get("Location") != "/v1/tasks/"+tasks[0].ID {
		t.Errorf("Location = %q, want /v1/tasks/%s", resp.Header.Get("Location"), tasks[0].ID)
	}
}

func TestSubmitWorkUnitErrors(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantCategory string
		wantTask     bool
	}{
		{
			name:         "invalid json",
			body:         "not json",
			wantStatus:   http.StatusBadRequest,
			wantCategory: "configuration",
		},
		{
			name:         "missing topic",
			body:         `{"vars":{}}`,
			wantStatus:   http.StatusBadRequest,
			wantCategory: "configuration",
		},
		{
			name:         "unknown topic",
			body:         `{"topic":"no-such-topic","vars":{"someOtherVar":123}}`,
			wantStatus:   http.StatusBadRequest,
			wantCategory: "configuration",
			wantTask:     true,
		},
		{
			name:         "schema violation",
			body:         `{"topic":"zaak-initialize","vars":{"someOtherVar":123}}`,
			wantStatus:   http.StatusBadRequest,
			wantCategory: "configuration",
			wantTask:     true,
		},
		{
			name:         "handler error",
			body:         `{"topic":"always-fails","vars":{}}`,
			wantStatus:   http.StatusBadRequest,
			wantCategory: "handler",
			wantTask:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			resp, out := postWorkUnit(t, ts, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if out["category"] != tt.wantCategory {
				t.Errorf("category = %v, want %s", out["category"], tt.wantCategory)
			}
			if msg, _ := out["error"].(string); msg == "" {
				t.Error("expected error message in response")
			}

			id, _ := out["task_id"].(string)
			if !tt.wantTask {
				if id != "" {
					t.Errorf("task_id = %q, want none", id)
				}
				return
			}
			task, err := srv.store.GetTask(context.Background(), id)
			if err != nil {
				t.Fatalf("GetTask(%q): %v", id, err)
			}
			if task.Status != model.StatusFailed {
				t.Errorf("task status = %q, want %q", task.Status, model.StatusFailed)
			}
			if task.LastError == "" {
				t.Error("expected last_error on failed task")
			}
		})
	}
}
