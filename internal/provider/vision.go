package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const visionPrompt = "Describe this image in detail for a power plant maintenance knowledge base. " +
	"Transcribe any visible text, labels, gauge readings, alarm indicators, and part numbers. " +
	"Identify equipment and note any visible damage, leaks, or abnormal conditions."

// OllamaVision describes images with a multimodal Ollama model through
// POST /api/generate.
type OllamaVision struct {
	ollama *OllamaClient
	model  string
}

// NewOllamaVision returns a Describer backed by model on the given Ollama
// client. Image descriptions can take a while; pass a client with a generous
// timeout.
func NewOllamaVision(client *OllamaClient, model string) *OllamaVision {
	return &OllamaVision{ollama: client, model: model}
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Describe implements Describer.
func (v *OllamaVision) Describe(ctx context.Context, image []byte, mediaType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("provider: vision: empty %s image", mediaType)
	}
	payload, err := json.Marshal(generateRequest{
		Model:  v.model,
		Prompt: visionPrompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
	})
	if err != nil {
		return "", fmt.Errorf("provider: vision: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.ollama.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("provider: vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.ollama.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: vision: request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider: vision: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("provider: vision: decode: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("provider: vision: %s", out.Error)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
