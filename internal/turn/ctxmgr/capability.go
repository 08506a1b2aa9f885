package ctxmgr

import (
	"fmt"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ModelDescriptor is one model-registry entry: per (provider, model), the
// context window and supported mime types.
type ModelDescriptor struct {
	Provider           string
	Model              string
	ContextWindow      int
	SupportedMimeTypes map[string]bool
}

// Registry is a static, in-memory ModelRegistry. No third-party dependency
// fits this concern — see DESIGN.md for the stdlib justification.
type Registry struct {
	entries map[string]ModelDescriptor
}

// NewRegistry constructs a Registry seeded with descriptors.
func NewRegistry(descriptors ...ModelDescriptor) *Registry {
	r := &Registry{entries: make(map[string]ModelDescriptor, len(descriptors))}
	for _, d := range descriptors {
		r.entries[key(d.Provider, d.Model)] = d
	}
	return r
}

func key(provider, model string) string { return provider + "/" + model }

// Lookup returns the descriptor for (provider, model).
func (r *Registry) Lookup(provider, model string) (ModelDescriptor, bool) {
	d, ok := r.entries[key(provider, model)]
	return d, ok
}

// Supports reports whether model supports the given mime type. Uncertain
// (unregistered model) is treated as supported: retain the part rather
// than guess wrong and drop it. Callers should log when ok is false.
func (r *Registry) Supports(provider, model, mime string) (supported, ok bool) {
	d, found := r.entries[key(provider, model)]
	if !found {
		return true, false
	}
	if d.SupportedMimeTypes == nil {
		return true, true
	}
	return d.SupportedMimeTypes[mime], true
}

// FilterCapability drops ContentParts the active model explicitly does not
// support from each user message. If a message's content empties entirely,
// it is replaced with a single placeholder text part. On uncertainty
// (unregistered model) the part is retained; for a registered model that
// lists its supported mime types, a part whose mime is not listed is
// dropped.
func FilterCapability(messages []*models.InternalMessage, registry *Registry, provider, model string, warn func(reason string)) []*models.InternalMessage {
	out := make([]*models.InternalMessage, len(messages))
	for i, m := range messages {
		if m == nil || m.Role != models.TurnRoleUser || len(m.Content) == 0 {
			out[i] = m
			continue
		}

		kept := make([]models.ContentPart, 0, len(m.Content))
		for _, p := range m.Content {
			if p.Type == models.ContentPartText {
				kept = append(kept, p)
				continue
			}
			supported, known := registry.Supports(provider, model, p.MIME)
			if !known {
				kept = append(kept, p)
				if warn != nil {
					warn(fmt.Sprintf("capability unknown for %s on %s/%s, retaining part", p.MIME, provider, model))
				}
				continue
			}
			if supported {
				kept = append(kept, p)
			}
		}

		if len(kept) == 0 {
			copyMsg := *m
			copyMsg.Content = []models.ContentPart{{
				Type: models.ContentPartText,
				Text: "[unsupported content removed: model does not support the provided media type]",
			}}
			out[i] = &copyMsg
			continue
		}

		if len(kept) != len(m.Content) {
			copyMsg := *m
			copyMsg.Content = kept
			out[i] = &copyMsg
			continue
		}
		out[i] = m
	}
	return out
}
