package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"tutorgo/internal/config"
	"tutorgo/internal/models"
	"tutorgo/internal/stream"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultClaudeMaxTokens = 3000

// NewChatModel builds the chat model for a configured provider.
func NewChatModel(ctx context.Context, provider string, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider %s: api_key is required", provider)
	}
	switch provider {
	case "openai":
		openaiCfg := &openai.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
		}
		if cfg.MaxTokens > 0 {
			maxTokens := cfg.MaxTokens
			openaiCfg.MaxTokens = &maxTokens
		}
		return openai.NewChatModel(ctx, openaiCfg)
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURL := cfg.BaseURL
			baseURLPtr = &baseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Provider streams tutor replies from a chat model, through a react agent when tools
// are available.
type Provider struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	materials MaterialSource
	system    string
	logger    *slog.Logger
}

// NewProvider wraps chatModel. materials may be nil; it only feeds the list of uploaded
// documents shown to the model.
func NewProvider(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, materials MaterialSource, logger *slog.Logger) (*Provider, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		chatModel: chatModel,
		materials: materials,
		system:    TutorSystemPrompt,
		logger:    logger.With("component", "ai_provider"),
	}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		p.agent = agent
	}
	return p, nil
}

// Stream starts a completion over the conversation history.
func (p *Provider) Stream(ctx context.Context, req stream.Request) (stream.Fragments, error) {
	ctx = WithConversation(ctx, req.ConversationID)
	input := p.convertMessages(req)

	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if p.agent != nil {
		streamReader, err = p.agent.Stream(ctx, input)
	} else {
		streamReader, err = p.chatModel.Stream(ctx, input)
	}
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	p.logger.DebugContext(ctx, "completion started", "conversation_id", req.ConversationID, "messages", len(input), "agent", p.agent != nil)
	return &messageFragments{reader: streamReader}, nil
}

func (p *Provider) convertMessages(req stream.Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+2)
	messages = append(messages, schema.SystemMessage(p.system))
	if note := p.materialNote(req.ConversationID); note != "" {
		messages = append(messages, schema.SystemMessage(note))
	}
	for _, msg := range req.History {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}

// materialNote tells the model which uploads the material_reader tool can open.
func (p *Provider) materialNote(conversationID string) string {
	if p.materials == nil || p.agent == nil {
		return ""
	}
	list := p.materials.Materials(conversationID)
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Uploaded course materials available through the material_reader tool:\n")
	for _, m := range list {
		fmt.Fprintf(&b, "- material_id=%s file=%s\n", m.ID, m.FileName)
	}
	return strings.TrimSpace(b.String())
}

// messageFragments exposes an eino message stream as text fragments.
type messageFragments struct {
	reader *schema.StreamReader[*schema.Message]
}

func (f *messageFragments) Recv() (string, error) {
	chunk, err := f.reader.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	if chunk == nil {
		return "", nil
	}
	return chunk.Content, nil
}

func (f *messageFragments) Close() {
	f.reader.Close()
}
