package ctxmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

type fakeBlobStore struct {
	data map[string][]byte
	mime map[string]string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: map[string][]byte{}, mime: map[string]string{}}
}

func (f *fakeBlobStore) Store(ctx context.Context, data []byte, mime, originalName, source string) (string, error) {
	uri := models.BlobRefPrefix + originalName
	f.data[uri] = data
	f.mime[uri] = mime
	return uri, nil
}

func (f *fakeBlobStore) Read(ctx context.Context, uri string) ([]byte, string, error) {
	d, ok := f.data[uri]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return d, f.mime[uri], nil
}

func TestExpandBlobsNoOpWithoutReferences(t *testing.T) {
	store := newFakeBlobStore()
	msg := &models.InternalMessage{Content: []models.ContentPart{{Type: models.ContentPartText, Text: "plain text"}}}
	got, err := ExpandBlobs(context.Background(), store, msg, true)
	if err != nil {
		t.Fatalf("ExpandBlobs: %v", err)
	}
	if got != msg {
		t.Fatal("expected the same message pointer returned when nothing needs expansion")
	}
}

func TestExpandBlobsNilMessageOrStoreIsNoOp(t *testing.T) {
	if got, err := ExpandBlobs(context.Background(), nil, nil, true); got != nil || err != nil {
		t.Fatalf("expected (nil, nil) for a nil message, got (%v, %v)", got, err)
	}
	msg := &models.InternalMessage{}
	if got, err := ExpandBlobs(context.Background(), nil, msg, true); got != msg || err != nil {
		t.Fatalf("expected the message returned unchanged when store is nil, got (%v, %v)", got, err)
	}
}

func TestExpandBlobsResolvesTextReference(t *testing.T) {
	store := newFakeBlobStore()
	store.data[models.BlobRefPrefix+"abc"] = []byte("hello bytes")
	store.mime[models.BlobRefPrefix+"abc"] = "text/plain"

	msg := &models.InternalMessage{Content: []models.ContentPart{{Type: models.ContentPartText, Text: models.BlobRefPrefix + "abc"}}}
	got, err := ExpandBlobs(context.Background(), store, msg, true)
	if err != nil {
		t.Fatalf("ExpandBlobs: %v", err)
	}
	if len(got.Content) != 1 || got.Content[0].Type != models.ContentPartFile {
		t.Fatalf("expected the text reference resolved to a file part, got %+v", got.Content)
	}
	if string(got.Content[0].Data) != "hello bytes" {
		t.Fatalf("expected resolved blob data, got %q", got.Content[0].Data)
	}
}

func TestExpandBlobsRetainsOriginalTextOnResolutionFailure(t *testing.T) {
	store := newFakeBlobStore() // empty: any Read fails
	msg := &models.InternalMessage{Content: []models.ContentPart{{Type: models.ContentPartText, Text: models.BlobRefPrefix + "missing"}}}
	got, err := ExpandBlobs(context.Background(), store, msg, true)
	if err != nil {
		t.Fatalf("ExpandBlobs: %v", err)
	}
	if len(got.Content) != 1 || got.Content[0].Text != models.BlobRefPrefix+"missing" {
		t.Fatalf("expected the original reference text retained on failure, got %+v", got.Content)
	}
}

func TestExpandBlobsInlinesImageRefWhenInlineRefsTrue(t *testing.T) {
	store := newFakeBlobStore()
	store.data[models.BlobRefPrefix+"img"] = []byte("imgbytes")
	store.mime[models.BlobRefPrefix+"img"] = "image/png"

	msg := &models.InternalMessage{Content: []models.ContentPart{{Type: models.ContentPartImage, BlobRef: models.BlobRefPrefix + "img"}}}
	got, err := ExpandBlobs(context.Background(), store, msg, true)
	if err != nil {
		t.Fatalf("ExpandBlobs: %v", err)
	}
	if got.Content[0].BlobRef != "" {
		t.Fatal("expected BlobRef cleared once inlined")
	}
	if string(got.Content[0].Data) != "imgbytes" {
		t.Fatalf("expected inlined image data, got %q", got.Content[0].Data)
	}
}

func TestExpandBlobsLeavesImageRefWhenInlineRefsFalse(t *testing.T) {
	store := newFakeBlobStore()
	store.data[models.BlobRefPrefix+"img"] = []byte("imgbytes")

	msg := &models.InternalMessage{Content: []models.ContentPart{{Type: models.ContentPartImage, BlobRef: models.BlobRefPrefix + "img"}}}
	got, err := ExpandBlobs(context.Background(), store, msg, false)
	if err != nil {
		t.Fatalf("ExpandBlobs: %v", err)
	}
	if got.Content[0].BlobRef != models.BlobRefPrefix+"img" {
		t.Fatalf("expected BlobRef left intact when inlineRefs=false, got %+v", got.Content[0])
	}
}
