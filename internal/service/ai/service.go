package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"kaichat/internal/config"
	"kaichat/internal/models"
)

const (
	defaultTemperature float32 = 0.7
	defaultMaxTokens           = 500
	defaultGeminiModel         = "gemini-2.5-flash"
)

// ErrNoFacts is returned when the model's answer holds no JSON array.
var ErrNoFacts = errors.New("ai: no fact array in model output")

// Service talks to one chat model provider.
type Service struct {
	chatModel model.BaseChatModel
	provider  string
	opts      []model.Option
	log       *zap.Logger
}

// New builds the chat model for the named provider.
func New(ctx context.Context, provider string, cfg config.ProviderConfig, log *zap.Logger) (*Service, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "", "gemini":
		provider = "gemini"
		if cfg.Model == "" {
			cfg.Model = defaultGeminiModel
		}
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return NewWithModel(chatModel, provider, cfg, log), nil
}

// NewWithModel wraps an already constructed chat model.
func NewWithModel(chatModel model.BaseChatModel, provider string, cfg config.ProviderConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Service{
		chatModel: chatModel,
		provider:  provider,
		opts:      []model.Option{model.WithTemperature(temperature), model.WithMaxTokens(maxTokens)},
		log:       log.Named("ai").With(zap.String("provider", provider)),
	}
}

// Reply generates the companion's answer. It never fails: provider errors become a
// user-visible placeholder.
func (s *Service) Reply(ctx context.Context, history []*models.Message, systemPrompt, message string) string {
	input := make([]*schema.Message, 0, len(history)+2)
	input = append(input, schema.SystemMessage(systemPrompt))
	input = append(input, convertMessages(history)...)
	input = append(input, schema.UserMessage(message))

	resp, err := s.chatModel.Generate(ctx, input, s.opts...)
	if err == nil && resp != nil {
		return resp.Content
	}
	if err == nil {
		err = errors.New("empty response")
	}
	s.log.Error("generate reply failed", zap.Error(err))
	if isRateLimited(err) {
		return RateLimitReply
	}
	return OfflineReply(message)
}

// ExtractFacts asks the model for long-term facts about the user in the conversation.
func (s *Service) ExtractFacts(ctx context.Context, conversation []*models.Message) ([]string, error) {
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(factPrompt(conversation))})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	if resp == nil {
		return nil, ErrNoFacts
	}
	return ParseFacts(resp.Content)
}

// ParseFacts reads a JSON array of strings, tolerating markdown code fences around it.
func ParseFacts(text string) ([]string, error) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var raw []interface{}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		start, end := strings.Index(cleaned, "["), strings.LastIndex(cleaned, "]")
		if start < 0 || end <= start {
			return nil, ErrNoFacts
		}
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &raw); err != nil {
			return nil, fmt.Errorf("parse facts: %w", err)
		}
	}
	facts := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			facts = append(facts, strings.TrimSpace(s))
		}
	}
	return facts, nil
}

func convertMessages(history []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		role := schema.User
		if msg.Role == models.RoleModel {
			role = schema.Assistant
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

func isRateLimited(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "429") ||
		strings.Contains(text, "quota") ||
		strings.Contains(text, "resource_exhausted") ||
		strings.Contains(text, "resource exhausted")
}

// Fallback stands in for a provider when no API key is configured.
type Fallback struct{}

func (Fallback) Reply(_ context.Context, _ []*models.Message, _ string, message string) string {
	return OfflineReply(message)
}

func (Fallback) ExtractFacts(context.Context, []*models.Message) ([]string, error) {
	return nil, nil
}
