package webapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/probelab/surveyor/pkg/surface"
)

type httpSession struct{ client *resty.Client }

func (s httpSession) BrowserContext() (context.Context, bool) { return nil, false }
func (s httpSession) HTTPClient() (*resty.Client, bool)       { return s.client, true }
func (s httpSession) IdentityName() string                    { return "test" }

func newSurface(t *testing.T, handler http.HandlerFunc) (*Surface, surface.Session) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := New(surface.Config{BaseURL: srv.URL, APIKey: "token-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, httpSession{client: resty.New()}
}

func TestSubmit(t *testing.T) {
	var gotQuery, gotAuth string
	s, sess := newSurface(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"42"}`))
	})

	res, err := s.Submit(context.Background(), sess, "meaning of life", 5*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotQuery != "meaning of life" {
		t.Errorf("query param = %q", gotQuery)
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if res.Text != `{"answer":"42"}` {
		t.Errorf("text = %q", res.Text)
	}
}

func TestSubmitBlockedStatuses(t *testing.T) {
	for _, status := range []int{403, 429} {
		s, sess := newSurface(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := s.Submit(context.Background(), sess, "q", 5*time.Second)
		if !errors.Is(err, surface.ErrBlocked) {
			t.Errorf("status %d: err = %v, want ErrBlocked", status, err)
		}
	}
}

func TestSubmitNonJSONBody(t *testing.T) {
	s, sess := newSurface(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	})
	_, err := s.Submit(context.Background(), sess, "q", 5*time.Second)
	if !errors.Is(err, surface.ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestSubmitServerError(t *testing.T) {
	s, sess := newSurface(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := s.Submit(context.Background(), sess, "q", 5*time.Second)
	if err == nil || errors.Is(err, surface.ErrBlocked) {
		t.Errorf("err = %v, want plain status error", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(surface.Config{}); err == nil {
		t.Fatal("expected error without base URL")
	}
}
