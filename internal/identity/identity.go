// Package identity manages the pool of egress identities: proxy endpoints
// tagged with the geographic location they claim to exit from. The pool is
// the only resource shared between concurrent surface workers, so selection
// and blocking are atomic as a pair.
package identity

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/probelab/surveyor/internal/logger"
)

// Identity is one candidate network path. The zero value is the "direct"
// identity: no proxy, ambient network, location unverified.
type Identity struct {
	Name     string `yaml:"name" validate:"required_with=Server"`
	Server   string `yaml:"server" validate:"omitempty,contains=:"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Location string `yaml:"location" validate:"required_with=Server"`
	// SessionPrefix enables session-scoped IP rotation on providers that
	// grant a fresh IP per session token embedded in the username.
	SessionPrefix string `yaml:"session_prefix"`
}

// Direct reports whether this is the ambient/default network path.
func (id Identity) Direct() bool {
	return id.Server == ""
}

// SessionUsername returns the proxy username for a new session. Identities
// with a SessionPrefix get a fresh token each call so that opening a new
// session reliably changes the observed IP even when credentials are reused.
func (id Identity) SessionUsername() string {
	if id.SessionPrefix == "" {
		return id.Username
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return id.Username + id.SessionPrefix + token
}

// Pool holds the configured identities and the per-location block list.
type Pool struct {
	mu         sync.Mutex
	identities []Identity
	blocked    map[string]bool // keyed by identity name
}

// NewPool creates a pool over the given identities.
func NewPool(identities []Identity) (*Pool, error) {
	validate := validator.New()
	for i, id := range identities {
		if err := validate.Struct(id); err != nil {
			return nil, fmt.Errorf("identity %d (%s): %w", i, id.Name, err)
		}
	}
	return &Pool{
		identities: identities,
		blocked:    make(map[string]bool),
	}, nil
}

// LoadFile reads an identity pool from a YAML file with a top-level
// `identities:` list.
func LoadFile(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity pool: %w", err)
	}
	var doc struct {
		Identities []Identity `yaml:"identities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse identity pool: %w", err)
	}
	return NewPool(doc.Identities)
}

// Acquire returns the next non-blocked identity for the location. When every
// identity for the location is blocked, the block list for that location is
// cleared and selection retries once, since identities may have recovered.
// When no identity is configured for the location at all, the direct identity
// is returned with a warning; that is not an error.
func (p *Pool) Acquire(location string) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.forLocation(location)
	if len(candidates) == 0 {
		logger.Warn("no identity configured for location, using direct connection",
			"location", location)
		return Identity{Name: "direct", Location: location}
	}

	for _, id := range candidates {
		if !p.blocked[id.Name] {
			return id
		}
	}

	// Whole pool blocked for this location: clear and retry it.
	logger.Info("identity pool exhausted for location, clearing block list",
		"location", location)
	for _, id := range candidates {
		delete(p.blocked, id.Name)
	}
	return candidates[0]
}

// MarkBlocked excludes an identity from future selection until the pool for
// its location is exhausted.
func (p *Pool) MarkBlocked(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[id.Name] = true
	logger.Info("identity marked blocked", "identity", id.Name, "location", id.Location)
}

// Blocked reports whether an identity is currently excluded.
func (p *Pool) Blocked(id Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked[id.Name]
}

// Size returns the number of identities configured for a location.
func (p *Pool) Size(location string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.forLocation(location))
}

// forLocation filters identities by location. Must be called with lock held.
func (p *Pool) forLocation(location string) []Identity {
	var out []Identity
	for _, id := range p.identities {
		if strings.EqualFold(id.Location, location) {
			out = append(out, id)
		}
	}
	return out
}
