package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func withTestClient(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return ts.client(), nil
	}
	t.Cleanup(func() { newAPIClient = orig })
}

func runCommand(t *testing.T, cmd *cobra.Command, args []string) error {
	t.Helper()
	cmd.SetContext(context.Background())
	return cmd.RunE(cmd, args)
}

func TestChatCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /chat/answer": `{"reply":"Done! Updated.","intent":"weight","info_updated":true}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, chatCmd, []string{"alice@example.com", "I", "weigh", "82kg"}); err != nil {
		t.Fatalf("chat command: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(ts.requests))
	}
	req := ts.requests[0]
	if req.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", req.Auth)
	}
	if req.Path != "/chat/answer?user_id=alice%40example.com&message=I+weigh+82kg" {
		t.Errorf("path = %q", req.Path)
	}
}

func TestChatCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, nil) // everything 404s
	withTestClient(t, ts)

	if err := runCommand(t, chatCmd, []string{"alice@example.com", "hi"}); err == nil {
		t.Fatal("expected error from 404 response")
	}
}

func TestProfileCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /profile/alice@example.com": `{"profile":{"user_id":"alice@example.com","weight":80}}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, profileCmd, []string{"alice@example.com"}); err != nil {
		t.Fatalf("profile command: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(ts.requests))
	}
}
