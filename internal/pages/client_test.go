package pages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/repository"
)

func TestGetPage(t *testing.T) {
	tenantID, pageID := uuid.NewString(), uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/internal/tenants/" + tenantID + "/pages/" + pageID
		if r.URL.Path != wantPath {
			t.Errorf("path %q, want %q", r.URL.Path, wantPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization header %q", got)
		}
		_ = json.NewEncoder(w).Encode(domain.PageData{
			TenantID: tenantID,
			PageID:   pageID,
			Slug:     "home",
			Title:    "Home",
			Template: "landing",
		})
	}))
	defer srv.Close()

	client, err := New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	page, err := client.GetPage(context.Background(), tenantID, pageID)
	if err != nil {
		t.Fatalf("GetPage returned error: %v", err)
	}
	if page.Slug != "home" || page.Template != "landing" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestGetPageNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"page not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	_, err = client.GetPage(context.Background(), uuid.NewString(), uuid.NewString())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	_, err = client.GetPage(context.Background(), uuid.NewString(), uuid.NewString())
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected wrapped server error, got %v", err)
	}
}

func TestNewRejectsEmptyBase(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatalf("empty base url must be rejected")
	}
}
