package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studioline/internal/capability"
)

const maxResponseBytes = 4 << 20

// HTTP forwards requests to a remote tool service as JSON.
// The service answers with the capability.Output shape.
type HTTP struct {
	Desc     capability.Descriptor
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (h *HTTP) Descriptor() capability.Descriptor { return h.Desc }

func (h *HTTP) Execute(ctx context.Context, req capability.Request) (capability.Output, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return capability.Output{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return capability.Output{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Studioline-Provider", h.Desc.ID)
	if h.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	start := time.Now()
	res, err := client.Do(httpReq)
	if err != nil {
		return capability.Output{}, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return capability.Output{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return capability.Output{}, fmt.Errorf("%s status %d: %s", h.Desc.ID, res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out capability.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return capability.Output{}, fmt.Errorf("decode %s response: %w", h.Desc.ID, err)
	}
	if out.Metadata.ExecutionTimeMs == 0 {
		out.Metadata.ExecutionTimeMs = time.Since(start).Milliseconds()
	}
	return out, nil
}
