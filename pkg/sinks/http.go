package sinks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// HTTPSink ships all artifacts of a shipment in one POST with
// base64-encoded content and a manifest header payload. Destinations are
// gated by scheme and host allow-lists.
type HTTPSink struct {
	client         *http.Client
	allowedSchemes map[string]bool
	allowedHosts   []string // lowercased; "*" allows any
}

// NewHTTPSink builds the sink. Empty schemes defaults to http+https; an
// empty host allow-list rejects every destination.
func NewHTTPSink(timeout time.Duration, allowedSchemes, allowedHosts []string) *HTTPSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	schemes := make(map[string]bool, len(allowedSchemes))
	for _, s := range allowedSchemes {
		schemes[strings.ToLower(s)] = true
	}
	if len(schemes) == 0 {
		schemes["http"] = true
		schemes["https"] = true
	}
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &HTTPSink{
		client:         &http.Client{Timeout: timeout},
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

func (s *HTTPSink) Type() string { return "http" }

func (s *HTTPSink) hostAllowed(hostname string) bool {
	if hostname == "" {
		return false
	}
	hostname = strings.ToLower(hostname)
	for _, h := range s.allowedHosts {
		if h == "*" || h == hostname {
			return true
		}
	}
	return false
}

func (s *HTTPSink) ValidateDestination(ctx context.Context, destination string) error {
	u, err := url.Parse(destination)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidDestination, err)
	}
	if !s.allowedSchemes[u.Scheme] {
		return fmt.Errorf("%w: scheme %q not allowed", contracts.ErrInvalidDestination, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", contracts.ErrInvalidDestination, destination)
	}
	if !s.hostAllowed(u.Hostname()) {
		return fmt.Errorf("%w: host %q not allow-listed", contracts.ErrInvalidDestination, u.Hostname())
	}
	return nil
}

type httpArtifactPayload struct {
	ArtifactID    string `json:"artifact_id"`
	MimeType      string `json:"mime_type"`
	SizeBytes     int64  `json:"size_bytes"`
	ContentHash   string `json:"content_hash,omitempty"`
	ArtifactRole  string `json:"artifact_role"`
	ContentBase64 string `json:"content_base64"`
}

type httpShipmentPayload struct {
	Manifest  httpManifestHeader    `json:"manifest"`
	Artifacts []httpArtifactPayload `json:"artifacts"`
}

type httpManifestHeader struct {
	ManifestID    string `json:"manifest_id"`
	DeliverableID string `json:"deliverable_id"`
	RootTaskID    string `json:"root_task_id"`
	TenantID      string `json:"tenant_id"`
	ShippedAt     string `json:"shipped_at"`
}

func (s *HTTPSink) Ship(ctx context.Context, artifacts []contracts.ArtifactPointer, destination string, manifest contracts.ShipmentManifest, content ContentFunc) (map[string]string, error) {
	payload := httpShipmentPayload{
		Manifest: httpManifestHeader{
			ManifestID:    manifest.ManifestID.String(),
			DeliverableID: manifest.DeliverableID.String(),
			RootTaskID:    manifest.RootTaskID,
			TenantID:      manifest.TenantID,
			ShippedAt:     manifest.ShippedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	for _, artifact := range artifacts {
		data, err := content(ctx, artifact.ArtifactID)
		if err != nil {
			return nil, fmt.Errorf("fetch content for %s: %w", artifact.ArtifactID, err)
		}
		payload.Artifacts = append(payload.Artifacts, httpArtifactPayload{
			ArtifactID:    artifact.ArtifactID.String(),
			MimeType:      artifact.MimeType,
			SizeBytes:     artifact.SizeBytes,
			ContentHash:   artifact.ContentHash,
			ArtifactRole:  string(artifact.Role),
			ContentBase64: base64.StdEncoding.EncodeToString(data),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal shipment payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post shipment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("post shipment: remote returned %s", resp.Status)
	}

	// The remote may answer with its own artifact_refs mapping; trust it
	// when present, else synthesize destination#artifact_id references.
	refs := make(map[string]string, len(artifacts))
	respBody, err := io.ReadAll(resp.Body)
	if err == nil {
		var parsed struct {
			ArtifactRefs map[string]string `json:"artifact_refs"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && len(parsed.ArtifactRefs) > 0 {
			return parsed.ArtifactRefs, nil
		}
	}
	for _, artifact := range artifacts {
		refs[artifact.ArtifactID.String()] = destination + "#" + artifact.ArtifactID.String()
	}
	return refs, nil
}
