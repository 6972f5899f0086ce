package driftline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		if c.BaseURL() != DefaultBaseURL {
			t.Fatalf("unexpected base URL: %s", c.BaseURL())
		}
		if c.httpClient.Timeout != DefaultTimeout {
			t.Fatalf("unexpected timeout: %s", c.httpClient.Timeout)
		}
		if c.Channels == nil || c.Messages == nil {
			t.Fatal("expected sub-clients initialized")
		}
	})

	t.Run("base URL trailing slash trimmed", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("https://example.com/"))
		if c.BaseURL() != "https://example.com" {
			t.Fatalf("unexpected base URL: %s", c.BaseURL())
		}
	})

	t.Run("environment", func(t *testing.T) {
		c := NewClient("tok", WithEnvironment(Production))
		if c.BaseURL() != "https://api.driftline.chat" {
			t.Fatalf("unexpected base URL: %s", c.BaseURL())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := NewClient("tok", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Fatalf("unexpected timeout: %s", c.httpClient.Timeout)
		}
	})
}

func TestClientRequestHeaders(t *testing.T) {
	var gotAuth, gotAgent, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		gotContentType = r.Header.Get("Content-Type")
		writeResult(w, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := NewClient("secret-token", WithBaseURL(srv.URL), WithUserAgent("driftline-test/1.0"))
	if _, err := c.Channels.Join(context.Background(), "ch-1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
	if gotAgent != "driftline-test/1.0" {
		t.Fatalf("unexpected User-Agent: %q", gotAgent)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected Content-Type: %q", gotContentType)
	}
}

func TestClientSetToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeResult(w, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("expected no Authorization header without a token, got %q", gotAuth)
	}

	c.SetToken("rotated")
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer rotated" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
}

func TestMessagesSendPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeResult(w, MessageRecord{ID: "msg-1", ChannelID: "ch-1"})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	res, err := c.Messages.Send(context.Background(), "ch-1", "user-1", "hello", &SendMessageOptions{ReplyToID: "msg-0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}

	if got["userId"] != "user-1" || got["content"] != "hello" {
		t.Fatalf("unexpected payload: %v", got)
	}
	if got["replyToId"] != "msg-0" {
		t.Fatalf("expected replyToId in payload: %v", got)
	}
	// The idempotency key is client-generated and never empty.
	key, _ := got["clientKey"].(string)
	if key == "" {
		t.Fatalf("expected a clientKey in the payload: %v", got)
	}
}

func TestMessagesListQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		writeResult(w, []MessageRecord{})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if _, err := c.Messages.List(context.Background(), "ch-1", 30, "msg-099"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/channels/ch-1/messages" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotQuery != "before=msg-099&limit=30" {
		t.Fatalf("unexpected query: %s", gotQuery)
	}
}

func TestResultDecode(t *testing.T) {
	t.Run("decodes data", func(t *testing.T) {
		res := &Result{Success: true, Data: json.RawMessage(`{"id":"ch-1","name":"general"}`)}
		var ch ChannelSummary
		if err := res.Decode(&ch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ch.ID != "ch-1" || ch.Name != "general" {
			t.Fatalf("unexpected decode: %+v", ch)
		}
	})

	t.Run("nil data is a no-op", func(t *testing.T) {
		res := &Result{Success: true}
		var ch ChannelSummary
		if err := res.Decode(&ch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("error message fallback", func(t *testing.T) {
		res := &Result{}
		if res.ErrorMessage() != "request failed" {
			t.Fatalf("unexpected fallback: %s", res.ErrorMessage())
		}
		res.Error = "boom"
		if res.ErrorMessage() != "boom" {
			t.Fatalf("unexpected message: %s", res.ErrorMessage())
		}
	})
}
