package core

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"contoso.com/enterprise-chat-agent/internal/config"
	"contoso.com/enterprise-chat-agent/internal/store"
	"contoso.com/enterprise-chat-agent/internal/tools"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrEmptyContent   = errors.New("message content is required")
)

const (
	clientName  = "http_api"
	modelName   = "placeholder"
	idHexLength = 12
)

var messagesProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chat_agent",
		Name:      "messages_processed_total",
		Help:      "User messages answered by the dispatcher, by whether any tool ran.",
	},
	[]string{"tools_used"},
)

// ConversationStore is the persistence the chat service needs.
type ConversationStore interface {
	CreateThread(ctx context.Context, threadID, userID string, title *string, metadata map[string]any) (*store.Thread, error)
	GetThread(ctx context.Context, threadID string) (*store.Thread, error)
	UpdateThread(ctx context.Context, threadID string, update store.ThreadUpdate) (*store.Thread, error)
	DeleteThread(ctx context.Context, threadID string) (bool, error)
	ThreadExists(ctx context.Context, threadID string) (bool, error)
	AddMessage(ctx context.Context, in store.NewMessage) (*store.Message, error)
	GetMessagesPage(ctx context.Context, threadID string, limit int, continuation string) ([]store.Message, string, error)
	Ping(ctx context.Context) error
}

type ChatService struct {
	store    ConversationStore
	registry *tools.Registry
	planner  Planner
	logger   *slog.Logger
}

func NewChatService(store ConversationStore, registry *tools.Registry, planner Planner, logger *slog.Logger) *ChatService {
	return &ChatService{
		store:    store,
		registry: registry,
		planner:  planner,
		logger:   logger,
	}
}

type CreateThreadParams struct {
	UserID   string
	Title    *string
	Metadata map[string]any
}

func (s *ChatService) CreateThread(ctx context.Context, params CreateThreadParams) (*store.Thread, error) {
	threadID := newID("thread_")
	thread, err := s.store.CreateThread(ctx, threadID, params.UserID, params.Title, params.Metadata)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create thread")
	}
	return thread, nil
}

func (s *ChatService) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get thread %s", threadID)
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}
	return thread, nil
}

func (s *ChatService) UpdateThread(ctx context.Context, threadID string, update store.ThreadUpdate) (*store.Thread, error) {
	thread, err := s.store.UpdateThread(ctx, threadID, update)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}
	return thread, nil
}

func (s *ChatService) DeleteThread(ctx context.Context, threadID string) error {
	deleted, err := s.store.DeleteThread(ctx, threadID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete thread %s", threadID)
	}
	if !deleted {
		return ErrThreadNotFound
	}
	return nil
}

type MessagePage struct {
	Messages          []store.Message
	ContinuationToken string
}

func (s *ChatService) GetMessages(ctx context.Context, threadID string, limit int, continuation string) (*MessagePage, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	messages, next, err := s.store.GetMessagesPage(ctx, threadID, limit, continuation)
	if err != nil {
		return nil, err
	}
	return &MessagePage{Messages: messages, ContinuationToken: next}, nil
}

// PostMessage stores the user message, runs the planned tools and stores and
// returns the assistant reply. A missing thread is reported before empty content.
func (s *ChatService) PostMessage(ctx context.Context, threadID, content string) (*store.Message, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, ErrEmptyContent
	}

	if _, err := s.store.AddMessage(ctx, store.NewMessage{
		ThreadID:  threadID,
		MessageID: newID("msg_"),
		Role:      store.RoleUser,
		Content:   content,
		Metadata:  map[string]any{"client": clientName},
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to store user message")
	}

	calls := s.runTools(ctx, s.planner.Plan(content))
	reply := s.planner.Compose(content, calls)

	var toolCalls []store.ToolCall
	if len(calls) > 0 {
		toolCalls = calls
	}
	assistant, err := s.store.AddMessage(ctx, store.NewMessage{
		ThreadID:  threadID,
		MessageID: newID("msg_"),
		Role:      store.RoleAssistant,
		Content:   reply.Content,
		ToolCalls: toolCalls,
		Sources:   reply.Sources,
		Metadata:  map[string]any{"model": modelName},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to store assistant message")
	}

	toolNames := lo.Map(calls, func(c store.ToolCall, _ int) string { return c.Tool })
	messagesProcessed.WithLabelValues(lo.Ternary(len(calls) > 0, "true", "false")).Inc()
	s.logger.Info("processed message", "thread_id", threadID, "tools", toolNames)

	return assistant, nil
}

// runTools invokes each planned tool in order. A failed invocation is kept as a
// call with its error so the reply can skip it.
func (s *ChatService) runTools(ctx context.Context, plan []Invocation) []store.ToolCall {
	calls := make([]store.ToolCall, 0, len(plan))
	for _, inv := range plan {
		call := store.ToolCall{Tool: inv.Tool, Arguments: inv.Arguments}
		result, err := s.registry.Invoke(ctx, inv.Tool, inv.Arguments)
		if err != nil {
			call.Error = err.Error()
		} else {
			call.Result = result
		}
		calls = append(calls, call)
	}
	return calls
}

func (s *ChatService) Tools() []tools.Tool {
	return s.registry.Definitions()
}

type HealthStatus struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	StoreConnected bool   `json:"store_connected"`
}

// Health always reports healthy; a failing store only clears StoreConnected.
func (s *ChatService) Health(ctx context.Context) HealthStatus {
	connected := true
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store connectivity check failed", "error", err)
		connected = false
	}
	return HealthStatus{
		Status:         "healthy",
		Version:        config.Version,
		StoreConnected: connected,
	}
}

func (s *ChatService) requireThread(ctx context.Context, threadID string) error {
	exists, err := s.store.ThreadExists(ctx, threadID)
	if err != nil {
		return errors.Wrapf(err, "failed to check thread %s", threadID)
	}
	if !exists {
		return ErrThreadNotFound
	}
	return nil
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:idHexLength]
}
