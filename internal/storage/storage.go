package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/config"
)

// ArtifactStore abstracts where exported transcripts and summaries are archived.
type ArtifactStore interface {
	// Save stores data under key. key format: {YYYY-MM-DD}/{session}/{filename}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// URL returns a presigned download URL, or "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for a stored artifact.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an artifact is present.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

// New creates an ArtifactStore based on config. Returns an error if S3 is
// configured but unreachable.
func New(cfg config.S3Config, archiveDir string, log zerolog.Logger) (ArtifactStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(archiveDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}

// Key builds the archive key for one artifact of a session.
func Key(at time.Time, sessionID, filename string) string {
	return path.Join(at.UTC().Format("2006-01-02"), sanitize(sessionID), sanitize(filename))
}

// sanitize flattens s to a single key component: separators become '_' and
// any ".." run is removed.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "")
	}
	if s == "" || s == "." {
		return "_"
	}
	return s
}
