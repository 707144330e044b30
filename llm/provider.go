package llm

import (
	"context"
	"fmt"
)

// Provider is the interface for LLM interactions. Implementations must be
// safe for concurrent use; the pipeline shares one chat and one embedding
// provider across all workers.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode on providers
	// that support it; others rely on prompt instructions.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message. Role "system" is split out by
// providers whose wire format carries the system prompt separately.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // bedrock, openai, ollama, gemini, groq, openrouter, xai, lmstudio, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`

	// Bedrock settings. Dimensions applies to embedding models that accept
	// an output dimension (Titan v2); zero means the model default.
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Dimensions      int    `json:"dimensions"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "bedrock":
		return NewBedrock(cfg)
	case "openai":
		return NewOpenAI(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	case "gemini":
		return NewGemini(cfg), nil
	case "groq":
		return NewGroq(cfg), nil
	case "openrouter":
		// Plain OpenAI-compatible endpoints; only the base URL differs.
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://openrouter.ai/api"
		}
		return NewOpenAICompat(cfg), nil
	case "xai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.x.ai"
		}
		return NewOpenAICompat(cfg), nil
	case "lmstudio":
		return NewLMStudio(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
