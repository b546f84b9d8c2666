package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"animehome/internal/config"
	"animehome/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultMaxTokens = 3000

// Service streams persona replies from one configured provider.
type Service struct {
	chatModel model.BaseChatModel
	provider  string
	modelName string
	maxTokens int
}

// NewService builds the chat model for provider using its config entry.
func NewService(ctx context.Context, provider string, provCfg config.ProviderConfig, gen config.GenerationConfig) (*Service, error) {
	modelName := gen.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("model for provider %s not configured", provider)
	}
	maxTokens := gen.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("init gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Service{
		chatModel: chatModel,
		provider:  provider,
		modelName: modelName,
		maxTokens: maxTokens,
	}, nil
}

// StreamChat runs one completion over turns and hands every content delta to
// callback in order. It returns whatever content was produced, also on error.
func (s *Service) StreamChat(ctx context.Context, turns []models.ChatTurn, temperature float64, callback func(string) error) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("at least one message is required")
	}
	opts := []model.Option{model.WithMaxTokens(s.maxTokens)}
	if temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(temperature)))
	}

	streamReader, err := s.chatModel.Stream(ctx, convertTurns(turns), opts...)
	if err != nil {
		return "", fmt.Errorf("open %s stream: %w", s.provider, err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return full.String(), ctxErr
			}
			return full.String(), fmt.Errorf("%s stream: %w", s.provider, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if callback != nil {
			if err := callback(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
}

func convertTurns(turns []models.ChatTurn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		var role schema.RoleType
		switch turn.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		case models.RoleUser:
			role = schema.User
		default:
			// data parts never reach the model
			continue
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: turn.Content,
		})
	}
	return messages
}
