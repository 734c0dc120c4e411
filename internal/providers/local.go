// Package providers holds the tool provider implementations a production can register.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"studioline/internal/capability"
)

// Local is an in-process provider that produces deterministic drafts.
type Local struct {
	Desc    capability.Descriptor
	Quality float64
	Credits float64
	Fail    bool
	Latency time.Duration
}

func (l *Local) Descriptor() capability.Descriptor { return l.Desc }

func (l *Local) Execute(ctx context.Context, req capability.Request) (capability.Output, error) {
	if l.Latency > 0 {
		timer := time.NewTimer(l.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return capability.Output{}, ctx.Err()
		}
	}
	if l.Fail {
		return capability.Output{Success: false, Error: fmt.Sprintf("provider %s unavailable", l.Desc.ID)}, nil
	}
	subject := firstString(req.Input, "prompt", "name", "type")
	content := fmt.Sprintf("%s by %s: %s", req.Action, l.Desc.ID, subject)
	if notes := firstString(req.Input, "revision_notes"); notes != "" {
		content += " (revised: " + notes + ")"
	}
	q := l.Quality
	return capability.Output{
		Success: true,
		Data:    map[string]any{"content": content},
		Artifacts: []map[string]any{{
			"content": content,
			"format":  formatFor(l.Desc.Category),
		}},
		Quality:  &q,
		Metadata: capability.Metadata{ExecutionTimeMs: l.Latency.Milliseconds(), CreditsUsed: l.Credits},
	}, nil
}

func firstString(in map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := in[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func formatFor(category string) string {
	switch category {
	case "image":
		return "image/png"
	case "video":
		return "video/mp4"
	case "audio":
		return "audio/wav"
	default:
		return "text/plain"
	}
}
