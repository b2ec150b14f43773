package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	openAIModelsURL = "https://api.openai.com/v1/models"
	geminiModelsURL = "https://generativelanguage.googleapis.com/v1beta/models"
)

// httpCheck is a HealthChecker that issues a GET and expects a 2xx status.
// Listing endpoints are used because they are free on every backend.
type httpCheck struct {
	name   string
	url    string
	header http.Header
	client *http.Client
}

// HealthCheck implements HealthChecker.
func (h *httpCheck) HealthCheck(ctx context.Context) error {
	resp, err := h.get(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *httpCheck) get(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: %s health request: %w", h.name, err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s unreachable: %w", h.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close() //nolint:errcheck,gosec // status already decided
		return nil, fmt.Errorf("provider: %s health check returned HTTP %d", h.name, resp.StatusCode)
	}
	return resp, nil
}

// NewHealthChecker returns a zero-cost health check for the configured
// backend, or nil when the backend has no free endpoint (Bedrock). A nil
// client uses a client with a 5 second timeout.
func NewHealthChecker(cfg *Config, client *http.Client) HealthChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	switch cfg.Backend {
	case BackendOllama:
		return NewOllamaClient(cfg.Ollama.Host, client)
	case BackendOpenAI:
		return &httpCheck{
			name:   "openai",
			url:    openAIModelsURL,
			header: http.Header{"Authorization": {"Bearer " + cfg.OpenAI.APIKey}},
			client: client,
		}
	case BackendAzure:
		az := cfg.AzureOpenAI
		return &httpCheck{
			name:   "azure",
			url:    strings.TrimRight(az.Endpoint, "/") + "/openai/models?api-version=" + url.QueryEscape(az.APIVersion),
			header: http.Header{"api-key": {az.APIKey}},
			client: client,
		}
	case BackendGemini:
		return &httpCheck{
			name:   "gemini",
			url:    geminiModelsURL,
			header: http.Header{"x-goog-api-key": {cfg.Gemini.APIKey}},
			client: client,
		}
	}
	return nil
}

// OllamaClient talks to the parts of the Ollama REST API that eino does not
// cover: model listing (health) and image description (vision).
type OllamaClient struct {
	baseURL string
	client  *http.Client
}

// NewOllamaClient constructs an OllamaClient for baseURL.
func NewOllamaClient(baseURL string, client *http.Client) *OllamaClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &OllamaClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// HealthCheck implements HealthChecker via GET /api/tags.
func (o *OllamaClient) HealthCheck(ctx context.Context) error {
	_, err := o.ListModels(ctx)
	return err
}

// ListModels returns the names of locally available models.
func (o *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	h := &httpCheck{name: "ollama", url: o.baseURL + "/api/tags", client: o.client}
	resp, err := h.get(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("provider: ollama tags: decode: %w", err)
	}
	names := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
