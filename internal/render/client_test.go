package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cannalonga/pagedeploy/internal/domain"
)

func TestRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var input domain.RenderInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			t.Errorf("input not decodable: %v", err)
		}
		if input.Template != "landing" {
			t.Errorf("template %q", input.Template)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"html": "<main>rendered</main>"})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	html, err := client.Render(context.Background(), domain.RenderInput{Template: "landing"})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if html != "<main>rendered</main>" {
		t.Fatalf("unexpected html %q", html)
	}
}

func TestRenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template not found", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := client.Render(context.Background(), domain.RenderInput{}); err == nil {
		t.Fatalf("expected error for renderer failure")
	}
}

func TestRenderRejectsEmptyDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"html": ""})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := client.Render(context.Background(), domain.RenderInput{}); err == nil {
		t.Fatalf("expected error for empty document")
	}
}
