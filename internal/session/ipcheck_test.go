package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/probelab/surveyor/internal/identity"
)

func TestEvaluateIP_CountryMatch(t *testing.T) {
	body := `{"query":"203.0.113.7","countryCode":"US","region":"NY"}`

	v := evaluateIP(body, "US")

	if !v.Verified {
		t.Error("expected verified for matching country")
	}
	if v.IP != "203.0.113.7" {
		t.Errorf("expected IP parsed, got %q", v.IP)
	}
	if v.Confidence != "high" {
		t.Errorf("expected high confidence, got %q", v.Confidence)
	}
}

func TestEvaluateIP_CountryMismatch(t *testing.T) {
	body := `{"query":"198.51.100.2","countryCode":"DE","region":"BE"}`

	v := evaluateIP(body, "US")

	if v.Verified {
		t.Error("expected unverified for mismatched country")
	}
	if v.Confidence != "high" {
		t.Error("mismatch is still a high-confidence observation")
	}
}

func TestEvaluateIP_CompositeLocation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
		verified bool
	}{
		{"region match", `{"query":"1.2.3.4","countryCode":"US","region":"CA"}`, "US-CA", true},
		{"region mismatch", `{"query":"1.2.3.4","countryCode":"US","region":"NY"}`, "US-CA", false},
		{"case insensitive", `{"query":"1.2.3.4","countryCode":"us","region":"ca"}`, "US-CA", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := evaluateIP(tt.body, tt.expected)
			if v.Verified != tt.verified {
				t.Errorf("evaluateIP(%q, %q).Verified = %v, want %v",
					tt.body, tt.expected, v.Verified, tt.verified)
			}
		})
	}
}

func TestEvaluateIP_GarbageBody(t *testing.T) {
	for _, body := range []string{"", "not json", `{"countryCode":"US"}`} {
		v := evaluateIP(body, "US")
		if v.Verified {
			t.Errorf("evaluateIP(%q) should not verify", body)
		}
		if v.Confidence != "unknown" {
			t.Errorf("evaluateIP(%q) confidence = %q, want unknown", body, v.Confidence)
		}
	}
}

func TestVerifyIP_HTTPSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"query":"203.0.113.9","countryCode":"GB","region":"ENG"}`))
	}))
	defer srv.Close()

	orig := ipLookupURL
	ipLookupURL = srv.URL
	defer func() { ipLookupURL = orig }()

	m := NewManager(DefaultConfig())
	h, err := m.openHTTP(identity.Identity{Name: "direct"})
	if err != nil {
		t.Fatalf("openHTTP() error: %v", err)
	}
	defer h.Close()

	v := VerifyIP(context.Background(), h, "GB")
	if !v.Verified {
		t.Errorf("expected verified GB egress, got %+v", v)
	}
	if h.VerifiedIP == nil || h.VerifiedIP.IP != "203.0.113.9" {
		t.Error("verification should be cached on the handle")
	}
}

func TestVerifyIP_LookupFailureDegrades(t *testing.T) {
	orig := ipLookupURL
	ipLookupURL = "http://127.0.0.1:1/json"
	defer func() { ipLookupURL = orig }()

	m := NewManager(DefaultConfig())
	h, err := m.openHTTP(identity.Identity{Name: "direct"})
	if err != nil {
		t.Fatalf("openHTTP() error: %v", err)
	}
	defer h.Close()

	v := VerifyIP(context.Background(), h, "US")
	if v.Verified {
		t.Error("failed lookup must not verify")
	}
	if v.Confidence != "unknown" {
		t.Errorf("failed lookup confidence = %q, want unknown", v.Confidence)
	}
}
