package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"contoso.com/enterprise-chat-agent/internal/logging"
)

type ConversationStoreTestSuite struct {
	suite.Suite

	newContainer func() (Container, error)

	ctx       context.Context
	container Container
	store     *ConversationStore
	messages  int
}

func (s *ConversationStoreTestSuite) SetupTest() {
	s.ctx = context.Background()

	container, err := s.newContainer()
	s.Require().NoError(err)
	s.container = container
	s.store = NewConversationStore(container, logging.Discard())

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	s.store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
}

func (s *ConversationStoreTestSuite) TearDownTest() {
	s.Require().NoError(s.container.Close())
}

func (s *ConversationStoreTestSuite) addMessage(threadID string, role Role, content string) *Message {
	s.messages++
	msg, err := s.store.AddMessage(s.ctx, NewMessage{
		ThreadID:  threadID,
		MessageID: fmt.Sprintf("msg_%06d", s.messages),
		Role:      role,
		Content:   content,
	})
	s.Require().NoError(err)
	return msg
}

func (s *ConversationStoreTestSuite) TestCreateThread() {
	thread, err := s.store.CreateThread(s.ctx, "thread_abc123def456", "", nil, nil)
	s.Require().NoError(err)

	s.Equal("thread_abc123def456", thread.ID)
	s.Equal(thread.ID, thread.ThreadID)
	s.Equal(DocTypeThread, thread.Type)
	s.Equal(DefaultUserID, thread.UserID)
	s.Equal(StatusActive, thread.Status)
	s.Zero(thread.MessageCount)
	s.Nil(thread.Title)
	s.Nil(thread.LastMessagePreview)
	s.Equal(thread.CreatedAt, thread.UpdatedAt)
	s.NotNil(thread.Metadata)

	stored, err := s.store.GetThread(s.ctx, thread.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored)
	s.Equal(thread.UserID, stored.UserID)
	s.True(thread.CreatedAt.Equal(stored.CreatedAt))
}

func (s *ConversationStoreTestSuite) TestCreateThread_Duplicate() {
	title := "Orders"
	_, err := s.store.CreateThread(s.ctx, "thread_dup", "user-1", &title, map[string]any{"channel": "web"})
	s.Require().NoError(err)

	_, err = s.store.CreateThread(s.ctx, "thread_dup", "user-2", nil, nil)
	s.ErrorIs(err, ErrAlreadyExists)

	stored, err := s.store.GetThread(s.ctx, "thread_dup")
	s.Require().NoError(err)
	s.Equal("user-1", stored.UserID)
	s.Equal("web", stored.Metadata["channel"])
}

func (s *ConversationStoreTestSuite) TestGetThread_Missing() {
	thread, err := s.store.GetThread(s.ctx, "thread_missing")
	s.NoError(err)
	s.Nil(thread)

	exists, err := s.store.ThreadExists(s.ctx, "thread_missing")
	s.NoError(err)
	s.False(exists)
}

func (s *ConversationStoreTestSuite) TestAddMessage_UpdatesThread() {
	created, err := s.store.CreateThread(s.ctx, "thread_counter", "user-1", nil, nil)
	s.Require().NoError(err)

	s.addMessage("thread_counter", RoleUser, "first")
	s.addMessage("thread_counter", RoleAssistant, "second")
	last := s.addMessage("thread_counter", RoleUser, "third")

	thread, err := s.store.GetThread(s.ctx, "thread_counter")
	s.Require().NoError(err)
	s.Equal(3, thread.MessageCount)
	s.Require().NotNil(thread.LastMessagePreview)
	s.Equal("third", *thread.LastMessagePreview)
	s.True(thread.UpdatedAt.After(created.UpdatedAt))
	s.False(thread.UpdatedAt.Before(last.Timestamp))
}

func (s *ConversationStoreTestSuite) TestAddMessage_TruncatesPreview() {
	_, err := s.store.CreateThread(s.ctx, "thread_preview", "user-1", nil, nil)
	s.Require().NoError(err)

	s.addMessage("thread_preview", RoleUser, strings.Repeat("é", 150))

	thread, err := s.store.GetThread(s.ctx, "thread_preview")
	s.Require().NoError(err)
	s.Equal(strings.Repeat("é", 100)+"...", *thread.LastMessagePreview)
}

func (s *ConversationStoreTestSuite) TestAddMessage_InvalidRole() {
	_, err := s.store.CreateThread(s.ctx, "thread_role", "user-1", nil, nil)
	s.Require().NoError(err)

	_, err = s.store.AddMessage(s.ctx, NewMessage{
		ThreadID:  "thread_role",
		MessageID: "msg_bad",
		Role:      Role("tool"),
		Content:   "x",
	})
	s.ErrorIs(err, ErrInvalidParams)

	thread, err := s.store.GetThread(s.ctx, "thread_role")
	s.Require().NoError(err)
	s.Zero(thread.MessageCount)
}

func (s *ConversationStoreTestSuite) TestAddMessage_MissingThread() {
	msg, err := s.store.AddMessage(s.ctx, NewMessage{
		ThreadID:  "thread_ghost",
		MessageID: "msg_orphan",
		Role:      RoleUser,
		Content:   "hello",
	})
	s.Require().NoError(err)
	s.Equal("msg_orphan", msg.ID)

	thread, err := s.store.GetThread(s.ctx, "thread_ghost")
	s.NoError(err)
	s.Nil(thread)

	messages, err := s.store.GetMessages(s.ctx, "thread_ghost", 0)
	s.Require().NoError(err)
	s.Len(messages, 1)
}

func (s *ConversationStoreTestSuite) TestAddMessage_PersistsToolCallsAndSources() {
	_, err := s.store.CreateThread(s.ctx, "thread_tools", "user-1", nil, nil)
	s.Require().NoError(err)

	_, err = s.store.AddMessage(s.ctx, NewMessage{
		ThreadID:  "thread_tools",
		MessageID: "msg_tools",
		Role:      RoleAssistant,
		Content:   "The weather in Boston is 70°F with sunny.",
		ToolCalls: []ToolCall{{
			Tool:      "get_weather",
			Arguments: map[string]any{"location": "Boston"},
			Result:    map[string]any{"temperature": float64(70)},
		}},
		Sources:  []Source{{Title: "Weather Service API", URL: "https://api.weather.example.com", Snippet: "Real-time weather data"}},
		Metadata: map[string]any{"model": "placeholder"},
	})
	s.Require().NoError(err)

	messages, err := s.store.GetMessages(s.ctx, "thread_tools", 10)
	s.Require().NoError(err)
	s.Require().Len(messages, 1)
	s.Equal(RoleAssistant, messages[0].Role)
	s.Require().Len(messages[0].ToolCalls, 1)
	s.Equal("get_weather", messages[0].ToolCalls[0].Tool)
	s.Equal("Boston", messages[0].ToolCalls[0].Arguments["location"])
	s.Require().Len(messages[0].Sources, 1)
	s.Equal("https://api.weather.example.com", messages[0].Sources[0].URL)
	s.Equal("placeholder", messages[0].Metadata["model"])
}

func (s *ConversationStoreTestSuite) TestGetMessages_OrderAndLimit() {
	_, err := s.store.CreateThread(s.ctx, "thread_order", "user-1", nil, nil)
	s.Require().NoError(err)
	for i := 0; i < 5; i++ {
		s.addMessage("thread_order", RoleUser, fmt.Sprintf("message %d", i))
	}

	messages, err := s.store.GetMessages(s.ctx, "thread_order", 0)
	s.Require().NoError(err)
	s.Require().Len(messages, 5)
	for i, msg := range messages {
		s.Equal(fmt.Sprintf("message %d", i), msg.Content)
		if i > 0 {
			s.False(msg.Timestamp.Before(messages[i-1].Timestamp))
		}
	}

	limited, err := s.store.GetMessages(s.ctx, "thread_order", 3)
	s.Require().NoError(err)
	s.Len(limited, 3)
	s.Equal("message 0", limited[0].Content)

	empty, err := s.store.GetMessages(s.ctx, "thread_none", 0)
	s.Require().NoError(err)
	s.NotNil(empty)
	s.Empty(empty)
}

func (s *ConversationStoreTestSuite) TestGetMessagesPage() {
	_, err := s.store.CreateThread(s.ctx, "thread_pages", "user-1", nil, nil)
	s.Require().NoError(err)
	for i := 0; i < 5; i++ {
		s.addMessage("thread_pages", RoleUser, fmt.Sprintf("m%d", i))
	}

	var (
		contents []string
		token    string
		pages    int
	)
	for {
		page, next, err := s.store.GetMessagesPage(s.ctx, "thread_pages", 2, token)
		s.Require().NoError(err)
		pages++
		for _, msg := range page {
			contents = append(contents, msg.Content)
		}
		if next == "" {
			break
		}
		token = next
	}

	s.Equal(3, pages)
	s.Equal([]string{"m0", "m1", "m2", "m3", "m4"}, contents)

	_, _, err = s.store.GetMessagesPage(s.ctx, "thread_pages", 2, "%%%")
	s.ErrorIs(err, ErrInvalidParams)
}

func (s *ConversationStoreTestSuite) TestDeleteThread() {
	_, err := s.store.CreateThread(s.ctx, "thread_delete", "user-1", nil, nil)
	s.Require().NoError(err)
	_, err = s.store.CreateThread(s.ctx, "thread_keep", "user-1", nil, nil)
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		s.addMessage("thread_delete", RoleUser, "bye")
	}
	s.addMessage("thread_keep", RoleUser, "stay")

	deleted, err := s.store.DeleteThread(s.ctx, "thread_delete")
	s.Require().NoError(err)
	s.True(deleted)

	thread, err := s.store.GetThread(s.ctx, "thread_delete")
	s.NoError(err)
	s.Nil(thread)
	messages, err := s.store.GetMessages(s.ctx, "thread_delete", 0)
	s.NoError(err)
	s.Empty(messages)

	again, err := s.store.DeleteThread(s.ctx, "thread_delete")
	s.NoError(err)
	s.False(again)

	kept, err := s.store.GetMessages(s.ctx, "thread_keep", 0)
	s.NoError(err)
	s.Len(kept, 1)
}

func (s *ConversationStoreTestSuite) TestDeleteThread_Missing() {
	deleted, err := s.store.DeleteThread(s.ctx, "thread_never")
	s.NoError(err)
	s.False(deleted)
}

func (s *ConversationStoreTestSuite) TestUpdateThread() {
	_, err := s.store.CreateThread(s.ctx, "thread_update", "user-1", nil, nil)
	s.Require().NoError(err)

	title := "Renamed"
	updated, err := s.store.UpdateThread(s.ctx, "thread_update", ThreadUpdate{Title: &title})
	s.Require().NoError(err)
	s.Require().NotNil(updated.Title)
	s.Equal("Renamed", *updated.Title)
	s.Equal(StatusActive, updated.Status)
	s.True(updated.UpdatedAt.After(updated.CreatedAt))

	archived := StatusArchived
	updated, err = s.store.UpdateThread(s.ctx, "thread_update", ThreadUpdate{Status: &archived})
	s.Require().NoError(err)
	s.Equal(StatusArchived, updated.Status)
	s.Equal("Renamed", *updated.Title)

	bogus := Status("frozen")
	_, err = s.store.UpdateThread(s.ctx, "thread_update", ThreadUpdate{Status: &bogus})
	s.ErrorIs(err, ErrInvalidParams)

	negative := -1
	_, err = s.store.UpdateThread(s.ctx, "thread_update", ThreadUpdate{MessageCount: &negative})
	s.ErrorIs(err, ErrInvalidParams)

	missing, err := s.store.UpdateThread(s.ctx, "thread_missing", ThreadUpdate{Title: &title})
	s.NoError(err)
	s.Nil(missing)
}

func (s *ConversationStoreTestSuite) TestAddMessage_Concurrent() {
	_, err := s.store.CreateThread(s.ctx, "thread_race", "user-1", nil, nil)
	s.Require().NoError(err)

	const writers = 64
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.AddMessage(s.ctx, NewMessage{
				ThreadID:  "thread_race",
				MessageID: fmt.Sprintf("msg_race_%d", i),
				Role:      RoleUser,
				Content:   fmt.Sprintf("writer %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	thread, err := s.store.GetThread(s.ctx, "thread_race")
	s.Require().NoError(err)
	s.Equal(writers, thread.MessageCount)

	messages, err := s.store.GetMessages(s.ctx, "thread_race", 0)
	s.Require().NoError(err)
	s.Len(messages, writers)
}

func (s *ConversationStoreTestSuite) TestAddMessage_ClockStepsBack() {
	_, err := s.store.CreateThread(s.ctx, "thread_clock", "user-1", nil, nil)
	s.Require().NoError(err)

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	var tick int
	s.store.now = func() time.Time {
		tick++
		return base.Add(-time.Duration(tick) * time.Second)
	}

	for _, content := range []string{"first", "second", "third"} {
		s.addMessage("thread_clock", RoleUser, content)
	}

	messages, err := s.store.GetMessages(s.ctx, "thread_clock", 0)
	s.Require().NoError(err)
	s.Require().Len(messages, 3)
	s.Equal("first", messages[0].Content)
	s.Equal("second", messages[1].Content)
	s.Equal("third", messages[2].Content)
}

func (s *ConversationStoreTestSuite) TestRejectsNULInIDs() {
	_, err := s.store.CreateThread(s.ctx, "a\x00b", "user-1", nil, nil)
	s.ErrorIs(err, ErrInvalidParams)

	_, err = s.store.CreateThread(s.ctx, "a", "user-1", nil, nil)
	s.Require().NoError(err)
	_, err = s.store.AddMessage(s.ctx, NewMessage{ThreadID: "a", MessageID: "m\x00x", Role: RoleUser, Content: "hi"})
	s.ErrorIs(err, ErrInvalidParams)
	_, err = s.store.AddMessage(s.ctx, NewMessage{ThreadID: "a\x00b", MessageID: "m1", Role: RoleUser, Content: "hi"})
	s.ErrorIs(err, ErrInvalidParams)

	deleted, err := s.store.DeleteThread(s.ctx, "a")
	s.Require().NoError(err)
	s.True(deleted)
}

func (s *ConversationStoreTestSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func TestConversationStore_SQLite(t *testing.T) {
	suite.Run(t, &ConversationStoreTestSuite{
		newContainer: func() (Container, error) {
			return NewSQLiteContainer(filepath.Join(t.TempDir(), "chat_agent.db"))
		},
	})
}

func TestConversationStore_Pebble(t *testing.T) {
	suite.Run(t, &ConversationStoreTestSuite{
		newContainer: func() (Container, error) {
			return NewInMemoryPebbleContainer(logging.Discard())
		},
	})
}

// conflictingContainer loses every conditional write.
type conflictingContainer struct {
	Container
}

func (conflictingContainer) Replace(context.Context, *Document, string) error {
	return ErrPreconditionFailed
}

func TestAddMessage_StoredMessageSurvivesFailedThreadUpdate(t *testing.T) {
	pebbleContainer, err := NewInMemoryPebbleContainer(logging.Discard())
	require.NoError(t, err)
	defer func() { require.NoError(t, pebbleContainer.Close()) }()
	s := NewConversationStore(conflictingContainer{Container: pebbleContainer}, logging.Discard())

	_, err = s.CreateThread(context.Background(), "thread_busy", "user-1", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	msg, err := s.AddMessage(ctx, NewMessage{ThreadID: "thread_busy", MessageID: "msg_1", Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", msg.ID)

	messages, err := s.GetMessages(context.Background(), "thread_busy", 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	_, err = s.UpdateThread(ctx, "thread_busy", ThreadUpdate{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSortKey_Monotonic(t *testing.T) {
	now := time.Now()
	first := newSortKey(now)
	second := newSortKey(now.Add(-time.Hour))
	third := newSortKey(now)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

func TestConflictBackoff(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := conflictBackoff(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, conflictBackoffMax)
	}
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "short", truncatePreview("short"))
	assert.Equal(t, strings.Repeat("a", 100), truncatePreview(strings.Repeat("a", 100)))
	assert.Equal(t, strings.Repeat("a", 100)+"...", truncatePreview(strings.Repeat("a", 101)))
}

func TestContinuationToken(t *testing.T) {
	key := newSortKey(time.Unix(1700000000, 0))
	decoded, err := decodeContinuation(encodeContinuation(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = decodeContinuation("not base64!")
	assert.ErrorIs(t, err, ErrInvalidParams)
}
