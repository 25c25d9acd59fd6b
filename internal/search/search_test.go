package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"geoaudit/internal/config"
)

const fixture = `{
  "items": [
    {"title": "Competitor A", "link": "https://a.example.com/", "snippet": "A snippet"},
    {"title": "Competitor B", "link": "https://b.example.com/", "snippet": "B snippet"},
    {"title": "No link", "link": "", "snippet": "dropped"},
    {"title": "Competitor C", "link": "https://c.example.com/", "snippet": "C snippet"}
  ]
}`

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "best shoes" || q.Get("cx") != "engine-1" || q.Get("key") != "k" {
			t.Errorf("unexpected query params: %v", q)
		}
		w.Write([]byte(fixture))
	}))
	defer srv.Close()

	c := New(config.SearchConfig{BaseURL: srv.URL, APIKey: "k", EngineID: "engine-1"}, nil)
	results, err := c.Search(context.Background(), "best shoes", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want the limit applied", len(results))
	}
	if results[0].Link != "https://a.example.com/" || results[0].Query != "best shoes" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
}

func TestSearchUnconfigured(t *testing.T) {
	c := New(config.SearchConfig{}, nil)
	if c.Configured() {
		t.Fatalf("client without credentials must report unconfigured")
	}
	results, err := c.Search(context.Background(), "anything", 5)
	if err != nil || results != nil {
		t.Fatalf("unconfigured search must be a silent no-op, got %v %v", results, err)
	}
}

func TestSearchOracleFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(config.SearchConfig{BaseURL: srv.URL, APIKey: "k", EngineID: "e"}, nil)
	if _, err := c.Search(context.Background(), "q", 5); err == nil {
		t.Fatalf("expected an error on a 429")
	}
}
