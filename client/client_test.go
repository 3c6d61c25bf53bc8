package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(LoginResult{
			Token: "jwt-123",
			User:  User{ID: "u1", Email: "a@example.com", Role: "worker"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Login(context.Background(), "a@example.com", "password1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Token != "jwt-123" || c.token != "jwt-123" {
		t.Fatalf("token not stored: %+v", res)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-123" {
			t.Fatalf("expected bearer header, got %q", got)
		}
		json.NewEncoder(w).Encode(Negotiation{ID: "n1", Status: "pending"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("jwt-123")
	n, err := c.GetNegotiation(context.Background(), "n1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "n1" {
		t.Fatalf("unexpected negotiation %+v", n)
	}
}

func TestClientDecodesTimeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/negotiations/n1/timeline" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		// numeric ids, as the API emits them
		w.Write([]byte(`{"items":[
			{"id":41,"negotiationId":"n1","eventType":"NEGOTIATION_CREATED","actorId":"u1","snapshot":{},"createdAt":"2026-08-28T10:00:00Z"},
			{"id":42,"negotiationId":"n1","eventType":"AGREEMENT_SET","actorId":"u2","snapshot":{"party":"client"},"createdAt":"2026-08-28T10:01:00Z"}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	entries, err := c.Timeline(context.Background(), "n1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != 41 || entries[1].EventType != "AGREEMENT_SET" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "transition not allowed from current status",
			"code":    "INVALID_TRANSITION",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.StartWork(context.Background(), "c1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "INVALID_TRANSITION" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
