package clips

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storyreel/internal/config"
)

// Model identifiers, in fallback order. Veo3 is the high-fidelity endpoint
// reserved for premium renders; the rest form the cost-efficient chain.
const (
	ModelVeo3  = "veo3-premium"
	ModelKling = "kling-standard"
	ModelWan   = "wan-i2v"
	ModelLTX   = "ltx-video"
)

// Provider job statuses as reported by the queue API.
const (
	StatusQueued     = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusError      = "ERROR"
)

// SubmitInput is the payload for one image-to-video job.
type SubmitInput struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
	Duration int    `json:"duration"`
}

// PollResult is the provider's view of a submitted job. VideoURL is set
// only when Status is COMPLETED.
type PollResult struct {
	Status   string
	VideoURL string
}

// Terminal reports whether the provider will not change this status.
func (r PollResult) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed || r.Status == StatusError
}

// Provider is the queue-based image-to-video backend.
type Provider interface {
	Submit(ctx context.Context, model string, in SubmitInput) (string, error)
	Poll(ctx context.Context, model, requestID string) (*PollResult, error)
}

// endpoints maps model identifiers to queue API paths.
var endpoints = map[string]string{
	ModelVeo3:  "fal-ai/veo3/image-to-video",
	ModelKling: "fal-ai/kling-video/v1.6/standard/image-to-video",
	ModelWan:   "fal-ai/wan-i2v",
	ModelLTX:   "fal-ai/ltx-video/image-to-video",
}

// QueueProvider talks to a fal-style async queue: submit returns a
// request ID, status is polled separately, and the result is fetched once
// the job completes.
type QueueProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewQueueProvider creates a provider from environment configuration.
func NewQueueProvider() *QueueProvider {
	return &QueueProvider{
		baseURL: config.ProviderBaseURL,
		apiKey:  config.ProviderAPIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type resultResponse struct {
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
}

// Submit enqueues an image-to-video job and returns the provider request ID.
func (p *QueueProvider) Submit(ctx context.Context, model string, in SubmitInput) (string, error) {
	endpoint, ok := endpoints[model]
	if !ok {
		return "", fmt.Errorf("unknown model %q", model)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", p.baseURL, endpoint), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Key "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("submit returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("submit response missing request_id")
	}
	return out.RequestID, nil
}

// Poll fetches the job status, and the result URL once the job completes.
func (p *QueueProvider) Poll(ctx context.Context, model, requestID string) (*PollResult, error) {
	endpoint, ok := endpoints[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}

	var status statusResponse
	statusURL := fmt.Sprintf("%s/%s/requests/%s/status", p.baseURL, endpoint, requestID)
	if err := p.getJSON(ctx, statusURL, &status); err != nil {
		return nil, fmt.Errorf("failed to poll status: %w", err)
	}

	result := &PollResult{Status: status.Status}
	if status.Status != StatusCompleted {
		return result, nil
	}

	var payload resultResponse
	resultURL := fmt.Sprintf("%s/%s/requests/%s", p.baseURL, endpoint, requestID)
	if err := p.getJSON(ctx, resultURL, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}
	if payload.Video.URL == "" {
		return nil, fmt.Errorf("completed job %s has no video url", requestID)
	}
	result.VideoURL = payload.Video.URL
	return result, nil
}

func (p *QueueProvider) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
