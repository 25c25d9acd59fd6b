package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
)

func completion(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + jsonString(content) + `}}]}`
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + `"`
}

func TestParseJSONFields(t *testing.T) {
	whole := ParseJSONFields(`{"is_ymyl": true, "category": "Health"}`)
	if whole.Structured == nil || whole.Structured["category"] != "Health" {
		t.Fatalf("whole-string parse failed: %+v", whole)
	}

	fenced := ParseJSONFields("Here you go:\n```json\n{\"category\": \"Retail\"}\n```\nanything else?")
	if fenced.Structured == nil || fenced.Structured["category"] != "Retail" {
		t.Fatalf("brace-slice parse failed: %+v", fenced)
	}

	prose := ParseJSONFields("I could not produce JSON, sorry.")
	if prose.Structured != nil || prose.Raw == "" {
		t.Fatalf("prose should fall through to raw: %+v", prose)
	}
}

func TestCompleteFallsBackToSecondBackend(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	var fallbackCalls int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fallbackCalls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer k2" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(completion("fallback answer")))
	}))
	defer fallback.Close()

	c := New(config.LLMConfig{
		Primary:  config.LLMBackendConfig{BaseURL: primary.URL, APIKey: "k1"},
		Fallback: config.LLMBackendConfig{BaseURL: fallback.URL, APIKey: "k2"},
		Model:    "audit-model",
	}, nil)

	out, err := c.Complete(context.Background(), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "fallback answer" {
		t.Fatalf("out = %q", out)
	}
	if atomic.LoadInt32(&fallbackCalls) != 1 {
		t.Fatalf("fallback calls = %d", fallbackCalls)
	}
}

func TestCompleteAllBackendsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(config.LLMConfig{
		Primary:  config.LLMBackendConfig{BaseURL: srv.URL},
		Fallback: config.LLMBackendConfig{BaseURL: srv.URL},
		Model:    "audit-model",
	}, nil)

	_, err := c.Complete(context.Background(), Request{User: "u"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if fault.KindOf(err) != fault.LLMUnavailable {
		t.Fatalf("kind = %s, want llm_unavailable", fault.KindOf(err))
	}
}

func TestCompleteNoBackends(t *testing.T) {
	c := New(config.LLMConfig{Model: "audit-model"}, nil)
	if c.Available() {
		t.Fatalf("client with no backends must report unavailable")
	}
	if _, err := c.Complete(context.Background(), Request{User: "u"}); fault.KindOf(err) != fault.LLMUnavailable {
		t.Fatalf("want llm_unavailable, got %v", err)
	}
}

func TestCompleteWireShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "audit-model" || len(req.Messages) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("message roles: %+v", req.Messages)
		}
		if req.MaxTokens != 256 {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		w.Write([]byte(completion("ok")))
	}))
	defer srv.Close()

	c := New(config.LLMConfig{
		Primary: config.LLMBackendConfig{BaseURL: srv.URL},
		Model:   "audit-model",
	}, nil)
	if _, err := c.Complete(context.Background(), Request{System: "s", User: "u", MaxTokens: 256}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}
