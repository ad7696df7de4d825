package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/hash/sha256"
)

// PublishConfig controls where the artifact is published.
type PublishConfig struct {
	// Object is the object name inside the blob store, e.g. "plugins.json".
	Object string
	// CacheMaxAge is advertised through Cache-Control.
	CacheMaxAge time.Duration
	// Topic receives an IndexUpdated event when a notifier is set.
	Topic string
}

// IndexUpdated announces a new artifact version.
type IndexUpdated struct {
	URI         string    `json:"uri"`
	SHA256      string    `json:"sha256"`
	Count       int       `json:"count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Publisher uploads flushed artifacts with cache validators.
type Publisher struct {
	cfg      PublishConfig
	store    crawler.BlobStore
	notifier crawler.Publisher
	logger   *zap.Logger
}

// NewPublisher builds a Publisher. notifier may be nil.
func NewPublisher(cfg PublishConfig, store crawler.BlobStore, notifier crawler.Publisher, logger *zap.Logger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Object == "" {
		cfg.Object = "plugins.json"
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, store: store, notifier: notifier, logger: logger}, nil
}

// ObjectOptions returns the headers and metadata attached to a snapshot.
func (p *Publisher) ObjectOptions(snap Snapshot) crawler.ObjectOptions {
	return crawler.ObjectOptions{
		ContentType:  "application/json; charset=utf-8",
		CacheControl: fmt.Sprintf("public, max-age=%d", int(p.cfg.CacheMaxAge.Seconds())),
		Metadata: map[string]string{
			"sha256":       snap.SHA256,
			"etag":         sha256.ETag(snap.SHA256),
			"generated_at": snap.GeneratedAt.UTC().Format(time.RFC3339),
			"count":        strconv.Itoa(snap.Count),
		},
	}
}

// Publish uploads the snapshot and announces it. A failed announcement is
// logged; the upload already succeeded.
func (p *Publisher) Publish(ctx context.Context, snap Snapshot) (string, error) {
	uri, err := p.store.PutObject(ctx, p.cfg.Object, p.ObjectOptions(snap), bytes.NewReader(snap.Data))
	if err != nil {
		return "", fmt.Errorf("publish index: %w", err)
	}
	p.logger.Info("index published",
		zap.String("uri", uri),
		zap.Int("items", snap.Count),
		zap.String("sha256", snap.SHA256),
	)
	if p.notifier == nil {
		return uri, nil
	}
	id, err := p.notifier.Publish(ctx, p.cfg.Topic, IndexUpdated{
		URI:         uri,
		SHA256:      snap.SHA256,
		Count:       snap.Count,
		GeneratedAt: snap.GeneratedAt,
	})
	if err != nil {
		p.logger.Warn("index update notification failed", zap.String("uri", uri), zap.Error(err))
		return uri, nil
	}
	p.logger.Debug("index update announced", zap.String("message_id", id))
	return uri, nil
}
