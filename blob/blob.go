// Package blob stores run artifacts. Keys follow a fixed layout so that
// artifacts are browsable by node, job and day without a separate index:
//
//	artifacts/<node_id>/<job_id>/<YYYY>/<MM>/<DD>/<run_id>.tar.gz
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

// Store is the artifact storage port.
type Store interface {
	// Put streams an artifact under key and returns a URL the metadata
	// store can record on the run.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
	// Get opens the artifact for reading. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ArtifactKey builds the canonical key for a run's archive.
func ArtifactKey(nodeID, jobID, runID string, start time.Time) string {
	u := start.UTC()
	return fmt.Sprintf("artifacts/%s/%s/%04d/%02d/%02d/%s.tar.gz",
		nodeID, jobID, u.Year(), u.Month(), u.Day(), runID)
}
