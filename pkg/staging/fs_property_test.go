//go:build property
// +build property

package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFSBackendRoundTripProperty verifies content survives a store and
// retrieve cycle byte for byte, with the reported hash matching.
func TestFSBackendRoundTripProperty(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("store then retrieve is identity", prop.ForAll(
		func(content []byte) bool {
			location, size, hash, err := backend.Store(ctx, "tenant", "task", uuid.New(),
				bytes.NewReader(content), "application/octet-stream")
			if err != nil {
				return false
			}
			if size != int64(len(content)) {
				return false
			}
			sum := sha256.Sum256(content)
			if hash != hex.EncodeToString(sum[:]) {
				return false
			}
			got, err := backend.Retrieve(ctx, location)
			if err != nil {
				return false
			}
			return bytes.Equal(content, got)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
