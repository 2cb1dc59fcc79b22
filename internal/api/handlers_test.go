package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evolution-gate/internal/analyzer"
	"evolution-gate/internal/audit"
	"evolution-gate/internal/gate"
	"evolution-gate/internal/monitor"
	"evolution-gate/internal/policy"
	"evolution-gate/internal/sandbox"
)

func testMux(t *testing.T) (*http.ServeMux, *gate.Controller, audit.Store) {
	t.Helper()

	backend := sandbox.NewStarlarkBackend()
	t.Cleanup(func() { backend.Close() })
	executor := sandbox.NewExecutor(backend, sandbox.NewPool(4), sandbox.ExecutorConfig{Grace: time.Second})
	store := audit.NewMemStore()
	ctrl := gate.NewController(gate.Options{Workers: 2, QueueSize: 16, AuditBuffer: 16},
		analyzer.New(analyzer.DefaultRuleSet()), executor, policy.NewEngine(),
		store, monitor.NewMetrics())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Close(ctx)
	})

	h := NewHandlers(ctrl, store, NewFeed())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests", h.HandleSubmit)
	mux.HandleFunc("GET /requests/{id}", h.HandleGetRequest)
	mux.HandleFunc("DELETE /requests/{id}", h.HandleCancel)
	mux.HandleFunc("GET /reviews", h.HandleListReviews)
	mux.HandleFunc("POST /reviews/{id}", h.HandleResolveReview)
	mux.HandleFunc("GET /audit", h.HandleListAudit)
	mux.HandleFunc("GET /audit/{id}", h.HandleGetAudit)
	return mux, ctrl, store
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func submitAndWait(t *testing.T, mux *http.ServeMux, ctrl *gate.Controller, body string, want gate.State) string {
	t.Helper()

	rr := doRequest(mux, http.MethodPost, "/requests", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp SubmitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := ctrl.Status(context.Background(), resp.ID)
		if err == nil && snap.State == want {
			return resp.ID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %s", resp.ID, want)
	return ""
}

func TestHandleSubmit_Accepted(t *testing.T) {
	mux, _, _ := testMux(t)

	rr := doRequest(mux, http.MethodPost, "/requests",
		`{"source":"def f():\n    return 1\n","tests":[{"call":"f()","expected":"1"}]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp SubmitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" || resp.State != "submitted" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleSubmit_BadInput(t *testing.T) {
	mux, _, _ := testMux(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"source": `, "INVALID_REQUEST"},
		{"missing source", `{"tests":[]}`, "INVALID_REQUEST"},
		{"bad isolation", `{"source":"def f():\n    return 1\n","isolation":"paranoid"}`, "INVALID_REQUEST"},
		{"bad priority", `{"source":"def f():\n    return 1\n","priority":"urgent"}`, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(mux, http.MethodPost, "/requests", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != tt.code {
				t.Errorf("code = %s, want %s", resp.Code, tt.code)
			}
		})
	}
}

func TestHandleGetRequest(t *testing.T) {
	mux, ctrl, _ := testMux(t)

	id := submitAndWait(t, mux, ctrl,
		`{"source":"def f():\n    return 1\n","tests":[{"call":"f()","expected":"1"}]}`,
		gate.StateAutoApproved)

	rr := doRequest(mux, http.MethodGet, "/requests/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var snap gate.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != gate.StateAutoApproved {
		t.Errorf("State = %s, want auto_approved", snap.State)
	}

	if rr := doRequest(mux, http.MethodGet, "/requests/unknown", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}
}

func TestHandleCancel_Conflict(t *testing.T) {
	mux, ctrl, _ := testMux(t)

	// Already decided: no longer cancellable.
	id := submitAndWait(t, mux, ctrl,
		`{"source":"def f():\n    return 1\n","tests":[{"call":"f()","expected":"1"}]}`,
		gate.StateAutoApproved)

	rr := doRequest(mux, http.MethodDelete, "/requests/"+id, "")
	// Terminal requests drop out of tracking, so this reads as not found.
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}

	if rr := doRequest(mux, http.MethodDelete, "/requests/unknown", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}
}

func TestReviewFlow(t *testing.T) {
	mux, ctrl, store := testMux(t)

	id := submitAndWait(t, mux, ctrl,
		`{"source":"import os\n\ndef f():\n    return 1\n"}`,
		gate.StatePendingHumanReview)

	rr := doRequest(mux, http.MethodGet, "/reviews", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list reviews status = %d", rr.Code)
	}
	var reviews []gate.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &reviews); err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || reviews[0].ID != id {
		t.Fatalf("reviews = %+v, want the parked request", reviews)
	}

	// Reviewer is mandatory.
	rr = doRequest(mux, http.MethodPost, "/reviews/"+id, `{"approve":true}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("resolve without reviewer status = %d, want 400", rr.Code)
	}

	rr = doRequest(mux, http.MethodPost, "/reviews/"+id, `{"approve":true,"reviewer":"alice"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", rr.Code, rr.Body.String())
	}

	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != "approved" {
		t.Errorf("audit state = %s, want approved", rec.State)
	}

	// Second resolve conflicts.
	rr = doRequest(mux, http.MethodPost, "/reviews/"+id, `{"approve":false,"reviewer":"bob"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", rr.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	mux, ctrl, _ := testMux(t)

	id := submitAndWait(t, mux, ctrl,
		`{"source":"def f():\n    return 1\n","tests":[{"call":"f()","expected":"1"}]}`,
		gate.StateAutoApproved)

	rr := doRequest(mux, http.MethodGet, "/audit/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get audit status = %d", rr.Code)
	}
	var rec audit.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.RequestID != id || rec.State != "auto_approved" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Decision == nil {
		t.Error("record has no decision")
	}

	rr = doRequest(mux, http.MethodGet, "/audit?state=auto_approved", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list audit status = %d", rr.Code)
	}
	var recs []audit.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}

	if rr := doRequest(mux, http.MethodGet, "/audit/unknown", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown audit status = %d, want 404", rr.Code)
	}
}

func TestListAuditEmptyIsArray(t *testing.T) {
	mux, _, _ := testMux(t)

	rr := doRequest(mux, http.MethodGet, "/audit", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("empty list body = %s, want []", got)
	}
}
