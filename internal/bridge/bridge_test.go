package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/agentflow/internal/persistence"
)

func TestDeliverResultPostsToSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	task := persistence.Task{SenderID: "u1", Channel: "whatsapp"}
	if err := c.DeliverResult(context.Background(), task, "hello back"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.SenderID != "u1" || got.Message != "hello back" || got.Channel != "whatsapp" {
		t.Fatalf("bridge payload = %+v", got)
	}
}

func TestDeliverResultTargetsGroup(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	task := persistence.Task{SenderID: "u1", GroupID: "g1", Channel: "whatsapp"}
	if err := c.DeliverResult(context.Background(), task, "hi all"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.SenderID != "g1" {
		t.Fatalf("group reply targeted %q, want g1", got.SenderID)
	}
}

func TestDeliverFailureSendsApology(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.DeliverFailure(context.Background(), persistence.Task{SenderID: "u1", Channel: "whatsapp"}); err != nil {
		t.Fatalf("deliver failure: %v", err)
	}
	if got.Message != FailureReply {
		t.Fatalf("apology text = %q", got.Message)
	}
}

func TestSendSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bridge offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.DeliverResult(context.Background(), persistence.Task{SenderID: "u1", Channel: "whatsapp"}, "x")
	if err == nil {
		t.Fatal("expected error from 502 response")
	}
}

func TestNewWithoutURLReturnsNil(t *testing.T) {
	if c := New("", nil); c != nil {
		t.Fatal("empty base URL should disable the client")
	}
}
