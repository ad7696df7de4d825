package crawler

import (
	"context"
	"io"
	"time"
)

// SearchClient runs one page of a code-search query.
type SearchClient interface {
	SearchCode(ctx context.Context, query string, page, perPage int) (SearchPage, error)
}

// BlobFetcher downloads file content by git blob sha.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, fullName, sha string) (Blob, error)
}

// RepoClient reads repository metadata from the host.
type RepoClient interface {
	GetRepository(ctx context.Context, fullName string) (RepoMetadata, error)
	ListUserRepositories(ctx context.Context, user string, page, perPage int) ([]RepoMetadata, error)
}

// Cloner performs a shallow (depth=1) clone into dest, killing the clone
// once timeout elapses.
type Cloner interface {
	ShallowClone(ctx context.Context, url, dest string, timeout time.Duration) error
}

// Limiter paces calls against a named host budget.
type Limiter interface {
	Wait(ctx context.Context, bucket string) error
}

// Limiter bucket names.
const (
	BucketSearch = "search"
	BucketCore   = "core"
	BucketClone  = "clone"
)

// RetryPolicy decides how failed host calls are retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Pauser abstracts how the crawler waits between attempts and cycles.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for artifact validators.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ObjectOptions carries the HTTP cache validators attached to a published object.
type ObjectOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// BlobStore writes published artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, opts ObjectOptions, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
