// Package objectstore is the port the dispatcher and httpapi use to
// move job input/output files and checkpoint archives in and out of
// blob storage, adapted from the teacher's internal/platform/gcp
// BucketService down to the single-bucket, no-CDN shape this domain
// needs (checkpoint/result archival and input/output file storage,
// SPEC_FULL.md §12 "objectstore").
package objectstore

import (
	"context"
	"io"
)

// Store is the narrow port the rest of the module depends on; the
// concrete adapter is GCS-backed (cloud.google.com/go/storage), but
// nothing outside this package imports that SDK directly.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
