package ctxmgr

import (
	"context"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// BlobStore is the content-addressed store behind "@blob:<id>" references.
// internal/turn/blobstore ships S3-backed and filesystem-backed
// implementations.
type BlobStore interface {
	Store(ctx context.Context, data []byte, mime, originalName, source string) (uri string, err error)
	Read(ctx context.Context, uri string) (data []byte, mime string, err error)
}

// ExpandBlobs resolves blob references: "@blob:<id>" in text is split into
// pre/post segments interleaved with resolved parts; image/file parts
// whose data is a blob ref become inline bytes. inlineRefs, when false,
// leaves image/file blob references as-is for providers that can render
// references themselves.
func ExpandBlobs(ctx context.Context, store BlobStore, msg *models.InternalMessage, inlineRefs bool) (*models.InternalMessage, error) {
	if msg == nil || store == nil {
		return msg, nil
	}

	needsWork := false
	for _, p := range msg.Content {
		if p.IsBlobRef() {
			needsWork = true
			break
		}
	}
	if !needsWork {
		return msg, nil
	}

	out := *msg
	expanded := make([]models.ContentPart, 0, len(msg.Content))
	for _, p := range msg.Content {
		switch {
		case p.Type == models.ContentPartText && strings.Contains(p.Text, models.BlobRefPrefix):
			parts, err := expandTextBlobRefs(ctx, store, p.Text)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, parts...)
		case p.BlobRef != "" && inlineRefs:
			data, mime, err := store.Read(ctx, p.BlobRef)
			if err != nil {
				return nil, err
			}
			p.Data = data
			if p.MIME == "" {
				p.MIME = mime
			}
			p.BlobRef = ""
			expanded = append(expanded, p)
		default:
			expanded = append(expanded, p)
		}
	}
	out.Content = expanded
	return &out, nil
}

// expandTextBlobRefs splits text on "@blob:<id>" references, resolving each
// to an inline part and preserving surrounding text as separate text parts.
func expandTextBlobRefs(ctx context.Context, store BlobStore, text string) ([]models.ContentPart, error) {
	var out []models.ContentPart
	remaining := text
	for {
		idx := strings.Index(remaining, models.BlobRefPrefix)
		if idx < 0 {
			if remaining != "" {
				out = append(out, models.ContentPart{Type: models.ContentPartText, Text: remaining})
			}
			break
		}
		if idx > 0 {
			out = append(out, models.ContentPart{Type: models.ContentPartText, Text: remaining[:idx]})
		}

		rest := remaining[idx+len(models.BlobRefPrefix):]
		end := strings.IndexAny(rest, " \t\n")
		var id, tail string
		if end < 0 {
			id, tail = rest, ""
		} else {
			id, tail = rest[:end], rest[end:]
		}

		uri := models.BlobRefPrefix + id
		data, mime, err := store.Read(ctx, uri)
		if err != nil {
			// Resolution failures retain the original text rather than
			// dropping it.
			out = append(out, models.ContentPart{Type: models.ContentPartText, Text: models.BlobRefPrefix + id})
		} else {
			out = append(out, models.ContentPart{Type: models.ContentPartFile, Data: data, MIME: mime})
		}
		remaining = tail
	}
	return out, nil
}
