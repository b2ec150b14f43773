// Package provider selects and constructs the LLM backends used by ppta at
// runtime and adapts them to the narrow contracts the rest of the module
// consumes: [Completer] for text generation, [Describer] for image
// description, and [HealthChecker] for zero-cost readiness probes.
// Supported chat backends: Ollama, OpenAI, Azure OpenAI, AWS Bedrock, Google Gemini.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ErrEmptyCompletion is returned when a backend answers with no text.
var ErrEmptyCompletion = errors.New("provider: empty completion")

// Completer generates text for a fully assembled prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Describer turns an image into a textual description suitable for indexing.
type Describer interface {
	Describe(ctx context.Context, image []byte, mediaType string) (string, error)
}

// HealthChecker probes a backend without consuming tokens.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds all provider-level configuration, grouped per backend so each
// backend reads only its own native settings.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Bedrock     ProviderBedrock
	Gemini      ProviderGemini

	Tuning SharedTuning
}

// ProviderOllama holds Ollama settings.
type ProviderOllama struct {
	// Host is the Ollama API base URL (e.g. http://localhost:11434).
	Host  string
	Model string
	// VisionModel describes uploaded images. Defaults to llava.
	VisionModel string
}

// ProviderOpenAI holds OpenAI settings.
type ProviderOpenAI struct {
	APIKey string
	Model  string
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// ProviderBedrock holds AWS Bedrock settings.
type ProviderBedrock struct {
	AWSRegion string
	ModelID   string
	// Endpoint overrides the regional bedrock-runtime URL.
	Endpoint string
	// APIKey is a Bedrock API key (AWS_BEARER_TOKEN_BEDROCK).
	APIKey string
}

// ProviderGemini holds Google Gemini settings.
type ProviderGemini struct {
	APIKey string
	Model  string
}

// SharedTuning holds generation parameters common to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32
}

// Validate reports the first missing setting for the selected backend, naming
// the env var an operator must set.
func (c *Config) Validate() error {
	missing := func(key string) error {
		return fmt.Errorf("provider: %s is required for %s backend", key, c.Backend)
	}
	switch c.Backend {
	case BackendOllama:
		if strings.TrimSpace(c.Ollama.Host) == "" {
			return missing("OLLAMA_HOST")
		}
		if strings.TrimSpace(c.Ollama.Model) == "" {
			return missing("OLLAMA_MODEL")
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return missing("OPENAI_API_KEY")
		}
		if c.OpenAI.Model == "" {
			return missing("OPENAI_MODEL")
		}
	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return missing("AZURE_OPENAI_API_KEY")
		}
		if c.AzureOpenAI.Endpoint == "" {
			return missing("AZURE_OPENAI_ENDPOINT")
		}
		if c.AzureOpenAI.Deployment == "" {
			return missing("AZURE_OPENAI_DEPLOYMENT")
		}
	case BackendBedrock:
		if c.Bedrock.ModelID == "" {
			return missing("BEDROCK_MODEL_ID")
		}
		if c.Bedrock.AWSRegion == "" {
			return missing("AWS_REGION")
		}
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return missing("GOOGLE_API_KEY")
		}
		if c.Gemini.Model == "" {
			return missing("GEMINI_MODEL")
		}
	default:
		return fmt.Errorf("provider: unknown backend %q, valid values: ollama, openai, azure, bedrock, gemini", c.Backend)
	}
	return nil
}

// ModelName returns the model identifier of the selected backend, for logs
// and health responses.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendBedrock:
		return c.Bedrock.ModelID
	case BackendGemini:
		return c.Gemini.Model
	}
	return ""
}
