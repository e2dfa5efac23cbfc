package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/probelab/surveyor/internal/identity"
	"github.com/probelab/surveyor/pkg/surface"
)

func TestManager_Open_HTTPKind(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	h, err := m.Open(context.Background(), identity.Identity{Name: "direct"}, surface.KindAPI, false)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if _, ok := h.HTTPClient(); !ok {
		t.Error("API session should expose an HTTP client")
	}
	if _, ok := h.BrowserContext(); ok {
		t.Error("API session should not expose a browser context")
	}
	if m.Current() != h {
		t.Error("manager should track the opened session as current")
	}
}

func TestManager_Open_ReplacesCurrent(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	first, err := m.Open(context.Background(), identity.Identity{Name: "a"}, surface.KindAPI, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Open(context.Background(), identity.Identity{Name: "b"}, surface.KindAPI, false)
	if err != nil {
		t.Fatal(err)
	}

	if m.Current() != second {
		t.Error("current session should be the most recently opened")
	}
	if _, ok := first.HTTPClient(); ok {
		t.Error("replaced session should be closed")
	}
}

func TestHandle_Snapshot_HTTPPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body>unusual traffic</body></html>"))
	}))
	defer srv.Close()

	m := NewManager(DefaultConfig())
	h, err := m.openHTTP(identity.Identity{Name: "direct"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, err := h.client.R().Get(srv.URL); err != nil {
		t.Fatal(err)
	}

	pageURL, content, err := h.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if pageURL != srv.URL {
		t.Errorf("snapshot URL = %q, want %q", pageURL, srv.URL)
	}
	if content == "" {
		t.Error("snapshot should carry the last response body")
	}
}

func TestCountryOf(t *testing.T) {
	tests := []struct {
		location string
		want     string
	}{
		{"US", "US"},
		{"us-ca", "US"},
		{"GB", "GB"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := countryOf(tt.location); got != tt.want {
			t.Errorf("countryOf(%q) = %q, want %q", tt.location, got, tt.want)
		}
	}
}
