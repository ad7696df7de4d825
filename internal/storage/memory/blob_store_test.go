package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	meta := map[string]string{"sha256": "abc"}
	uri, err := store.PutObject(context.Background(), "index/plugins.json",
		crawler.ObjectOptions{ContentType: "application/json", Metadata: meta}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://index/plugins.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	meta["sha256"] = "changed"

	obj, ok := store.Get("index/plugins.json")
	if !ok {
		t.Fatalf("expected object to be stored")
	}
	if string(obj.Data) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", obj.Data)
	}
	if obj.Options.Metadata["sha256"] != "abc" || obj.Options.ContentType != "application/json" {
		t.Fatalf("unexpected options %+v", obj.Options)
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatalf("expected missing object")
	}
}
