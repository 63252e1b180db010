package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fentz26/runbox/internal/controlplane"
	"github.com/fentz26/runbox/internal/models"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret")
}

func TestListTasksSendsKeyAndQuery(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]models.Task{{ID: "t1", Status: models.TaskStatusQueued}})
	})

	tasks, err := c.ListTasks(context.Background(), TaskQuery{Owner: "acme", Status: "queued", Limit: 5})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/internal/tasks" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "limit=5&owner=acme&status=queued" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestErrorResponseIsDecoded(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(controlplane.ErrorResponse{Error: "monthly quota reached", Code: "QuotaExceeded"})
	})

	_, err := c.SubmitTask(context.Background(), controlplane.StartRequest{Owner: "acme", Type: "math-worker"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "QuotaExceeded" || apiErr.Message != "monthly quota reached" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestPlainTextErrorIsKept(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.WorkerStatus(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "" || apiErr.Message != "bad gateway" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestSetPlanSendsBody(t *testing.T) {
	var method, path string
	var body controlplane.SubscriptionRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		json.NewEncoder(w).Encode(models.Subscription{Owner: "acme", Plan: body.Plan, Status: models.SubscriptionActive})
	})

	sub, err := c.SetPlan(context.Background(), "acme", controlplane.SubscriptionRequest{Plan: "pro"})
	if err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	if method != http.MethodPut || path != "/internal/subscriptions/acme" {
		t.Errorf("request = %s %s", method, path)
	}
	if body.Plan != "pro" || sub.Plan != "pro" {
		t.Errorf("body = %+v, sub = %+v", body, sub)
	}
}

func TestHealthReturnsBodyOnFailure(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("health should not need the API key")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(controlplane.HealthResponse{OK: false, DB: "database is closed"})
	})

	health, err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected an error for 503")
	}
	if health == nil || health.OK || health.DB != "database is closed" {
		t.Errorf("health = %+v", health)
	}
}
