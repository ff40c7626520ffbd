// Package report persists the final document of each migration run.
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vigilhq/vigil-migrate/pkg/blob"
)

// keyPrefix is where run reports live inside the blob store.
const keyPrefix = "reports/"

// Sink receives the final document of a migration run. It is called
// exactly once per run, on success and on failure alike.
type Sink interface {
	Write(ctx context.Context, runID string, doc any) error
}

// BlobSink stores one reports/<run-id>.json document per run.
type BlobSink struct {
	blobs blob.Store
}

// NewBlobSink wires a sink over a blob store.
func NewBlobSink(blobs blob.Store) *BlobSink {
	return &BlobSink{blobs: blobs}
}

// Write marshals doc and stores it under the run's report key.
func (s *BlobSink) Write(ctx context.Context, runID string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report for run %s: %w", runID, err)
	}
	if err := s.blobs.Put(ctx, keyPrefix+runID+".json", data); err != nil {
		return fmt.Errorf("store report for run %s: %w", runID, err)
	}
	return nil
}
