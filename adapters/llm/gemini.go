package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/voxbridge/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.2
	defaultMaxTokens      = 512
	defaultTimeoutSeconds = 15
	maxAttempts           = 3
)

const summaryPrompt = `You summarize phone calls between a caller and a business's voice agent.
Write 2-4 plain sentences covering why the caller called, what the agent did
(orders placed, appointments booked, information given), and any follow-up
the business still owes the caller. Do not invent details.

Transcript:
`

// GeminiConfig holds the summarizer settings
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens must be positive, got %d", config.MaxOutputTokens)
	}

	// Validate timeout is reasonable if specified
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

func (c GeminiConfig) withDefaults() GeminiConfig {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	return c
}

// GeminiSummarizer implements repositories.Summarizer using Google's Gemini API
type GeminiSummarizer struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

// Ensure GeminiSummarizer implements Summarizer
var _ repositories.Summarizer = (*GeminiSummarizer)(nil)

// NewGeminiSummarizer creates a new Gemini summarizer
func NewGeminiSummarizer(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiSummarizer, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini summarizer initialized", zap.String("model", config.Model))
	return &GeminiSummarizer{client: client, config: config, logger: logger}, nil
}

// Summarize condenses a rendered call transcript
func (g *GeminiSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}

	contents := []*genai.Content{
		genai.NewContentFromText(summaryPrompt+transcript, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.config.Temperature),
		MaxOutputTokens: int32(g.config.MaxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.config.Model, contents, config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate summary, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("failed to summarize transcript: %w", ctx.Err())
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to summarize transcript: %w", err)
	}

	summary := responseText(response)
	if summary == "" {
		return "", fmt.Errorf("empty summary returned")
	}
	return summary, nil
}

// responseText extracts the text parts of the first candidate
func responseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
