package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forkline/notifier/internal/model"
)

func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com", "test-key")

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://api.example.com")
		}
		if c.apiKey != "test-key" {
			t.Errorf("apiKey = %q, want %q", c.apiKey, "test-key")
		}
		if c.maxRetries != 3 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 3)
		}
		if c.httpClient.Timeout != defaultTimeout {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, defaultTimeout)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		c := NewClient("https://api.forkline.dev/v1/", "test-key")
		if c.baseURL != "https://api.forkline.dev/v1" {
			t.Errorf("baseURL = %q, want trailing slash removed", c.baseURL)
		}
	})

	t.Run("with options", func(t *testing.T) {
		c := NewClient("https://api.example.com", "",
			WithTimeout(5*time.Second),
			WithRetries(5, 2*time.Second),
		)
		if c.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 5*time.Second)
		}
		if c.maxRetries != 5 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 5)
		}
	})
}

func TestGetUnacknowledged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications/unacknowledged" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "24" {
			t.Errorf("since = %q, want 24", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		json.NewEncoder(w).Encode(NotificationsResponse{
			Notifications: []model.Notification{
				{ID: "n-1", Type: model.TypeNewOrder, RestaurantID: 5},
			},
			Page:       1,
			TotalPages: 1,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key")
	resp, err := c.GetUnacknowledged(context.Background(), GetUnacknowledgedOptions{Since: 24 * time.Hour})
	if err != nil {
		t.Fatalf("GetUnacknowledged failed: %v", err)
	}
	if len(resp.Notifications) != 1 || resp.Notifications[0].ID != "n-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGetAllUnacknowledged_Paginates(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		calls.Add(1)

		resp := NotificationsResponse{TotalPages: 2}
		switch page {
		case "1":
			resp.Page = 1
			resp.Notifications = []model.Notification{{ID: "n-1"}}
		case "2":
			resp.Page = 2
			resp.Notifications = []model.Notification{{ID: "n-2"}}
		default:
			t.Errorf("unexpected page %q", page)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	all, err := c.GetAllUnacknowledged(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("GetAllUnacknowledged failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(all))
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", calls.Load())
	}
}

func TestAcknowledge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/notifications/n-42/acknowledge" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	if err := c.Acknowledge(context.Background(), "n-42"); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
}

func TestAcknowledge_NoRetryOnFailure(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	err := c.Acknowledge(context.Background(), "n-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("acknowledge should not retry, got %d calls", calls.Load())
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Errorf("expected APIError 500, got %v", err)
	}
}

func TestGet_RetriesRetryable(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(NotificationsResponse{Page: 1, TotalPages: 1})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithRetries(2, 10*time.Millisecond))
	if _, err := c.GetUnacknowledged(context.Background(), GetUnacknowledgedOptions{}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGet_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithRetries(3, 10*time.Millisecond))
	if _, err := c.GetUnacknowledged(context.Background(), GetUnacknowledgedOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not retry, got %d calls", calls.Load())
	}
}
