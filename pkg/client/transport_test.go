package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSSETransport_DecodesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id:1\nevent:metric_updated\ndata:{\"id\":1,\"tenant_id\":\"t1\",\"type\":\"metric_updated\",\"payload\":{\"volunteers\":3}}\n\n")
		fmt.Fprint(w, "event:heartbeat\ndata:{\"tenant_id\":\"t1\",\"type\":\"heartbeat\"}\n\n")
	}))
	defer server.Close()

	transport := &SSETransport{URL: server.URL, Token: "secret"}
	stream, err := transport.Connect(context.Background(), 0)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if ev.ID != 1 || ev.Type != "metric_updated" || ev.TenantID != "t1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	hb, err := stream.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if hb.Type != EventHeartbeat || hb.ID != 0 {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}

	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("expected EOF at stream end, got %v", err)
	}
}

func TestSSETransport_SendsSinceAndAuth(t *testing.T) {
	var gotSince, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	transport := &SSETransport{URL: server.URL, Token: "tok"}
	stream, err := transport.Connect(context.Background(), 42)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	stream.Close()

	if gotSince != "42" {
		t.Fatalf("expected since=42, got %q", gotSince)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
}

func TestSSETransport_RejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	transport := &SSETransport{URL: server.URL}
	if _, err := transport.Connect(context.Background(), 0); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestSSETransport_IgnoresCommentsAndPadding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ":keepalive\n\n")
		fmt.Fprint(w, "id: 9\nevent: vis_updated\ndata: {\"id\":9,\"tenant_id\":\"t1\",\"type\":\"vis_updated\"}\n\n")
	}))
	defer server.Close()

	transport := &SSETransport{URL: server.URL}
	stream, err := transport.Connect(context.Background(), 0)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if ev.ID != 9 || ev.Type != "vis_updated" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
