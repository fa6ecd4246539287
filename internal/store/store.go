package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultMessageLimit = 100
	DefaultUserID       = "anonymous"

	previewLength = 100

	conflictBackoffBase = time.Millisecond
	conflictBackoffMax  = 50 * time.Millisecond
)

// ConversationStore persists threads and messages in one partitioned Container.
// The thread id is the partition key of the thread document and of every message.
type ConversationStore struct {
	container Container
	logger    *slog.Logger
	now       func() time.Time
}

func NewConversationStore(container Container, logger *slog.Logger) *ConversationStore {
	return &ConversationStore{
		container: container,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.container.Ping(ctx)
}

// CreateThread fails with ErrAlreadyExists when threadID is taken.
func (s *ConversationStore) CreateThread(ctx context.Context, threadID, userID string, title *string, metadata map[string]any) (_ *Thread, err error) {
	ctx, done := observe(ctx, "create_thread", threadID)
	defer done(&err)

	if err := validateID("thread id", threadID); err != nil {
		return nil, err
	}
	if userID == "" {
		userID = DefaultUserID
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := s.now()
	thread := &Thread{
		ID:           threadID,
		ThreadID:     threadID,
		Type:         DocTypeThread,
		UserID:       userID,
		Title:        title,
		Status:       StatusActive,
		MessageCount: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     metadata,
	}

	doc, err := encodeDocument(threadID, threadID, DocTypeThread, "", thread)
	if err != nil {
		return nil, err
	}
	if err := s.container.Create(ctx, doc); err != nil {
		return nil, errors.Wrapf(err, "failed to create thread %s", threadID)
	}

	s.logger.Info("created thread", "thread_id", threadID, "user_id", userID)
	return thread, nil
}

// GetThread returns nil, nil when the thread does not exist.
func (s *ConversationStore) GetThread(ctx context.Context, threadID string) (_ *Thread, err error) {
	ctx, done := observe(ctx, "read_thread", threadID)
	defer done(&err)

	thread, _, err := s.readThread(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return thread, err
}

func (s *ConversationStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	return thread != nil, nil
}

// DeleteThread removes the thread and all of its messages. It returns false when
// the partition held nothing.
func (s *ConversationStore) DeleteThread(ctx context.Context, threadID string) (_ bool, err error) {
	ctx, done := observe(ctx, "delete_thread", threadID)
	defer done(&err)

	n, err := s.container.DeletePartition(ctx, threadID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete thread %s", threadID)
	}
	if n == 0 {
		return false, nil
	}

	s.logger.Info("deleted thread", "thread_id", threadID, "items", n)
	return true, nil
}

// AddMessage persists the message and then bumps the owning thread's counter and
// preview. A thread that vanished in between is logged and left alone.
func (s *ConversationStore) AddMessage(ctx context.Context, in NewMessage) (_ *Message, err error) {
	ctx, done := observe(ctx, "add_message", in.ThreadID)
	defer done(&err)

	if err := validateID("thread id", in.ThreadID); err != nil {
		return nil, err
	}
	if err := validateID("message id", in.MessageID); err != nil {
		return nil, err
	}
	if !in.Role.Valid() {
		return nil, errors.Wrapf(ErrInvalidParams, "invalid role %q", in.Role)
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	now := s.now()
	msg := &Message{
		ID:        in.MessageID,
		MessageID: in.MessageID,
		ThreadID:  in.ThreadID,
		Type:      DocTypeMessage,
		Role:      in.Role,
		Content:   in.Content,
		Timestamp: now,
		ToolCalls: in.ToolCalls,
		Sources:   in.Sources,
		Metadata:  metadata,
	}

	doc, err := encodeDocument(in.ThreadID, in.MessageID, DocTypeMessage, newSortKey(now), msg)
	if err != nil {
		return nil, err
	}
	if err := s.container.Create(ctx, doc); err != nil {
		return nil, errors.Wrapf(err, "failed to add message %s", in.MessageID)
	}
	s.logger.Info("added message", "role", in.Role, "message_id", in.MessageID, "thread_id", in.ThreadID)

	preview := truncatePreview(in.Content)
	_, err = s.mutateThread(ctx, in.ThreadID, func(thread *Thread) error {
		thread.MessageCount++
		thread.LastMessagePreview = &preview
		return nil
	})
	// The message is stored at this point; a failed counter update must not fail the call.
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("thread not found after message insert, counters not updated",
			"thread_id", in.ThreadID, "message_id", in.MessageID)
	} else if err != nil {
		s.logger.Warn("failed to update thread after message insert, counters not updated",
			"thread_id", in.ThreadID, "message_id", in.MessageID, "error", err)
	}

	return msg, nil
}

// GetMessages returns up to limit messages in ascending timestamp order.
func (s *ConversationStore) GetMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	messages, _, err := s.GetMessagesPage(ctx, threadID, limit, "")
	return messages, err
}

// GetMessagesPage is GetMessages with an explicit continuation token. The returned
// token is empty once the thread has no more messages.
func (s *ConversationStore) GetMessagesPage(ctx context.Context, threadID string, limit int, continuation string) (_ []Message, _ string, err error) {
	ctx, done := observe(ctx, "query_messages", threadID)
	defer done(&err)

	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	after, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}

	docs, err := s.container.Query(ctx, Query{
		PartitionKey: threadID,
		Type:         DocTypeMessage,
		After:        after,
		Limit:        limit + 1,
	})
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to query messages of thread %s", threadID)
	}

	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		next = encodeContinuation(docs[len(docs)-1].SortKey)
	}

	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		var msg Message
		if err := json.Unmarshal(doc.Body, &msg); err != nil {
			return nil, "", errors.Wrapf(err, "failed to decode message %s", doc.ID)
		}
		messages = append(messages, msg)
	}
	return messages, next, nil
}

// UpdateThread applies the non-nil fields of update and refreshes updated_at.
// Returns nil, nil when the thread does not exist.
func (s *ConversationStore) UpdateThread(ctx context.Context, threadID string, update ThreadUpdate) (_ *Thread, err error) {
	ctx, done := observe(ctx, "update_thread", threadID)
	defer done(&err)

	if update.Status != nil && !update.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidParams, "invalid status %q", *update.Status)
	}
	if update.MessageCount != nil && *update.MessageCount < 0 {
		return nil, errors.Wrapf(ErrInvalidParams, "message count must not be negative")
	}

	thread, err := s.mutateThread(ctx, threadID, func(thread *Thread) error {
		if update.Title != nil {
			thread.Title = update.Title
		}
		if update.Status != nil {
			thread.Status = *update.Status
		}
		if update.MessageCount != nil {
			thread.MessageCount = *update.MessageCount
		}
		if update.LastMessagePreview != nil {
			thread.LastMessagePreview = update.LastMessagePreview
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to update thread %s", threadID)
	}

	s.logger.Info("updated thread", "thread_id", threadID)
	return thread, nil
}

func (s *ConversationStore) readThread(ctx context.Context, threadID string) (*Thread, string, error) {
	doc, err := s.container.Read(ctx, threadID, threadID)
	if err != nil {
		return nil, "", err
	}
	if doc.Type != DocTypeThread {
		return nil, "", errors.Wrapf(ErrNotFound, "document %s is a %s", threadID, doc.Type)
	}

	var thread Thread
	if err := json.Unmarshal(doc.Body, &thread); err != nil {
		return nil, "", errors.Wrapf(err, "failed to decode thread %s", threadID)
	}
	return &thread, doc.ETag, nil
}

// mutateThread is a read-modify-write guarded by the document ETag. A concurrent
// writer makes Replace fail with ErrPreconditionFailed and the mutation is re-run
// on the fresh document after a jittered backoff. Every lost round means another
// writer committed, so it only stops early when ctx is done.
func (s *ConversationStore) mutateThread(ctx context.Context, threadID string, mutate func(*Thread) error) (*Thread, error) {
	for attempt := 1; ; attempt++ {
		thread, etag, err := s.readThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if err := mutate(thread); err != nil {
			return nil, err
		}
		thread.UpdatedAt = s.now()

		doc, err := encodeDocument(threadID, threadID, DocTypeThread, "", thread)
		if err != nil {
			return nil, err
		}
		err = s.container.Replace(ctx, doc, etag)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return nil, err
		}

		conflictRetries.Inc()
		s.logger.Debug("thread update conflict, retrying", "thread_id", threadID, "attempt", attempt)

		timer := time.NewTimer(conflictBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrapf(ctx.Err(), "thread %s still conflicting after %d attempts", threadID, attempt)
		case <-timer.C:
		}
	}
}

// conflictBackoff is a full-jitter exponential delay capped at conflictBackoffMax.
func conflictBackoff(attempt int) time.Duration {
	ceiling := conflictBackoffMax
	if attempt < 16 {
		ceiling = min(conflictBackoffBase<<attempt, conflictBackoffMax)
	}
	return rand.N(ceiling) + 1
}

// validateID rejects empty ids and ids holding a NUL byte, which separates key
// parts in the Pebble layout.
func validateID(name, id string) error {
	if id == "" {
		return errors.Wrapf(ErrInvalidParams, "%s is required", name)
	}
	if strings.IndexByte(id, 0) >= 0 {
		return errors.Wrapf(ErrInvalidParams, "%s %q contains a NUL byte", name, id)
	}
	return nil
}

func encodeDocument(partitionKey, id, docType, sortKey string, v any) (*Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s %s", docType, id)
	}
	return &Document{
		ID:           id,
		PartitionKey: partitionKey,
		Type:         docType,
		SortKey:      sortKey,
		Body:         body,
	}, nil
}

func truncatePreview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength]) + "..."
}

func encodeContinuation(sortKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey))
}

func decodeContinuation(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) == 0 {
		return "", errors.Wrapf(ErrInvalidParams, "invalid continuation token")
	}
	return string(b), nil
}
