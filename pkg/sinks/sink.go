// Package sinks provides pluggable outbound transfer backends.
// Destinations are "scheme://path" strings dispatched through an
// explicit registration map; no reflection, resolved at startup.
package sinks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// ContentFunc hands a sink artifact content by id.
type ContentFunc func(ctx context.Context, artifactID uuid.UUID) ([]byte, error)

// Sink is the outbound transfer capability.
type Sink interface {
	// Type is the scheme this sink ships for.
	Type() string

	// ValidateDestination rejects destinations the sink will not ship
	// to (containment for filesystem, allow-lists for network sinks).
	ValidateDestination(ctx context.Context, destination string) error

	// Ship transfers every artifact, returning a map of artifact id to
	// destination reference. Any per-artifact failure aborts the whole
	// shipment.
	Ship(ctx context.Context, artifacts []contracts.ArtifactPointer, destination string, manifest contracts.ShipmentManifest, content ContentFunc) (map[string]string, error)
}

// DefaultScheme is used for unqualified destination strings.
const DefaultScheme = "filesystem"

// Registry maps destination schemes to sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register binds a scheme to a sink. The same sink may be registered
// under several schemes ("http" and "https").
func (r *Registry) Register(scheme string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[scheme] = sink
}

// Schemes lists registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for s := range r.sinks {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ForDestination resolves a destination string to its sink. Sinks parse
// the destination themselves; unqualified strings default to the
// filesystem scheme.
func (r *Registry) ForDestination(destination string) (Sink, error) {
	scheme, _ := SplitDestination(destination)
	r.mu.RLock()
	sink, ok := r.sinks[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)",
			contracts.ErrUnknownSink, scheme, strings.Join(r.Schemes(), ", "))
	}
	return sink, nil
}

// SplitDestination parses "scheme://path". A string without a scheme is
// treated as a filesystem path.
func SplitDestination(destination string) (scheme, path string) {
	if before, after, ok := strings.Cut(destination, "://"); ok {
		return before, after
	}
	return DefaultScheme, destination
}
