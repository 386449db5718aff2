package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stellarlinkco/bennet/internal/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// charCounter counts one token per byte for model "exact" and a quarter
// token per character otherwise, so budgets are easy to reason about.
type charCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *charCounter) CountTokens(text, model string) int {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if model == "exact" {
		return len(text)
	}
	return tokenizer.Approximate(text, 0.25)
}

func (c *charCounter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (k *tick) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.t = k.t.Add(time.Second)
	return k.t
}

func newTestStore(t *testing.T, maxHistory int) (*Store, *charCounter) {
	t.Helper()
	counter := &charCounter{}
	clk := &tick{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), Options{
		Counter:          counter,
		MaxHistoryLength: maxHistory,
		Now:              clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, counter
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestOpenRequiresCounter(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "h.db"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "h.db"), Options{Counter: &charCounter{}, Driver: "postgres"})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestGetOrCreateConversation(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	first, err := s.GetOrCreateConversation(ctx, "42")
	require.NoError(t, err)
	again, err := s.GetOrCreateConversation(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := s.GetOrCreateConversation(ctx, "43")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestStartConversationBecomesCurrent(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	c1, err := s.GetOrCreateConversation(ctx, "42")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "42", RoleUser, "old topic")
	require.NoError(t, err)

	c2, err := s.StartConversation(ctx, "42", map[string]any{"topic": "new"})
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	current, err := s.GetOrCreateConversation(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, c2, current)

	// the old conversation stays queryable by id
	old, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ConversationID: c1})
	require.NoError(t, err)
	assert.Equal(t, []string{"old topic"}, contents(old))

	conv, err := s.GetConversation(ctx, "42", c2)
	require.NoError(t, err)
	assert.Equal(t, "new", conv.Metadata["topic"])

	convs, err := s.ListConversations(ctx, "42")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, c2, convs[0].ID)
}

func TestAddMessageUpdatesActivity(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	convID, err := s.GetOrCreateConversation(ctx, "42")
	require.NoError(t, err)
	before, err := s.GetConversation(ctx, "42", convID)
	require.NoError(t, err)

	_, err = s.AddMessage(ctx, "42", RoleUser, "Hello", WithMetadata(map[string]any{"turn": "t1"}))
	require.NoError(t, err)

	after, err := s.GetConversation(ctx, "42", convID)
	require.NoError(t, err)
	assert.True(t, after.LastMessageTime.After(before.LastMessageTime))

	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "t1", msgs[0].Metadata["turn"])
	assert.Nil(t, msgs[0].TokenCount, "no model means no eager count")
}

func TestAddMessageEagerTokenCount(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "42", RoleUser, "Hello", WithModel("exact"))
	require.NoError(t, err)

	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].TokenCount)
	assert.Equal(t, 5, *msgs[0].TokenCount)
}

func TestAddMessageRejectsBadInput(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "42", Role("tool"), "x")
	assert.ErrorIs(t, err, errs.ErrStorage)

	_, err = s.AddMessage(ctx, "42", RoleUser, "   ")
	assert.ErrorIs(t, err, errs.ErrStorage)

	_, err = s.AddMessage(ctx, "42", RoleUser, "hi", InConversation(9999))
	assert.ErrorIs(t, err, errs.ErrStorage, "unknown conversation violates the foreign key")

	_, err = s.AddMessage(ctx, "42", RoleSystem, "")
	assert.NoError(t, err, "system content may be empty")
}

func TestHistoryDefaultLimitIsChronological(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := s.AddMessage(ctx, "42", RoleUser, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
		_, err = s.AddMessage(ctx, "42", RoleAssistant, fmt.Sprintf("answer %d", i))
		require.NoError(t, err)
	}

	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"question 5", "answer 5"}, contents(msgs))

	msgs, err = s.GetConversationHistory(ctx, "42", HistoryQuery{MaxMessages: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"question 4", "answer 4", "question 5", "answer 5"}, contents(msgs))
}

func TestHistoryTimestampTiesBrokenByID(t *testing.T) {
	counter := &charCounter{}
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(filepath.Join(t.TempDir(), "h.db"), Options{
		Counter: counter,
		Now:     func() time.Time { return frozen },
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		_, err := s.AddMessage(ctx, "1", RoleUser, c)
		require.NoError(t, err)
	}
	msgs, err := s.GetConversationHistory(ctx, "1", HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, contents(msgs))
}

func TestHistoryExcludeSystem(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "42", RoleSystem, "persona switched")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "42", RoleUser, "hi")
	require.NoError(t, err)

	all, err := s.GetConversationHistory(ctx, "42", HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	noSys, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ExcludeSystem: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, contents(noSys))
}

func TestHistoryTokenBudgetIsContiguous(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	// exact counter: tokens == bytes
	for _, c := range []string{"aaaa", "bbbbbbbbbbbbbbbbbbbb", "cc", "ddd"} {
		_, err := s.AddMessage(ctx, "42", RoleUser, c, WithModel("exact"))
		require.NoError(t, err)
	}

	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{MaxTokenBudget: 10, ModelID: "exact"})
	require.NoError(t, err)
	// "bbbb..." does not fit, so "aaaa" is dropped too even though it would fit
	assert.Equal(t, []string{"cc", "ddd"}, contents(msgs))

	total := 0
	for _, m := range msgs {
		total += *m.TokenCount
	}
	assert.LessOrEqual(t, total, 10)

	msgs, err = s.GetConversationHistory(ctx, "42", HistoryQuery{MaxTokenBudget: 2, ModelID: "exact"})
	require.NoError(t, err)
	assert.Empty(t, msgs, "newest message alone exceeds the budget")
}

func TestHistoryDefaultTokenBudget(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), Options{
		Counter:     &charCounter{},
		TokenBudget: 5,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for _, c := range []string{"aaaa", "bb", "ccc"} {
		_, err := s.AddMessage(ctx, "42", RoleUser, c, WithModel("exact"))
		require.NoError(t, err)
	}

	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ModelID: "exact"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bb", "ccc"}, contents(msgs))

	// an explicit budget replaces the default
	msgs, err = s.GetConversationHistory(ctx, "42", HistoryQuery{ModelID: "exact", MaxTokenBudget: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa", "bb", "ccc"}, contents(msgs))
}

func TestConversationIDScopedToChat(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "alice", RoleUser, "alice secret")
	require.NoError(t, err)
	aliceConv, err := s.GetOrCreateConversation(ctx, "alice")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "bob", RoleUser, "bob hello")
	require.NoError(t, err)

	_, err = s.GetConversationHistory(ctx, "bob", HistoryQuery{ConversationID: aliceConv})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, err, errs.ErrStorage)

	_, err = s.AddMessage(ctx, "bob", RoleUser, "bob msg", InConversation(aliceConv))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.GetConversation(ctx, "bob", aliceConv)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = s.AddMessage(ctx, "alice", RoleUser, "unknown", InConversation(aliceConv+100))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	msgs, err := s.GetConversationHistory(ctx, "alice", HistoryQuery{ConversationID: aliceConv})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice secret"}, contents(msgs))

	// the owner can still target its conversation explicitly
	_, err = s.AddMessage(ctx, "alice", RoleAssistant, "noted", InConversation(aliceConv))
	require.NoError(t, err)
	msgs, err = s.GetConversationHistory(ctx, "alice", HistoryQuery{ConversationID: aliceConv})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice secret", "noted"}, contents(msgs))

	bob, err := s.GetConversationHistory(ctx, "bob", HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob hello"}, contents(bob))
}

func TestHistoryBackfillIsIdempotent(t *testing.T) {
	s, counter := newTestStore(t, 10)
	ctx := context.Background()

	for _, c := range []string{"one", "three", "fiver"} {
		_, err := s.AddMessage(ctx, "42", RoleUser, c)
		require.NoError(t, err)
	}
	require.Zero(t, counter.Calls())

	first, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ModelID: "exact"})
	require.NoError(t, err)
	require.Len(t, first, 3)
	callsAfterFirst := counter.Calls()
	assert.Equal(t, 3, callsAfterFirst)

	second, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ModelID: "exact"})
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, counter.Calls(), "second read finds no null counts")

	for i := range first {
		require.NotNil(t, first[i].TokenCount)
		require.NotNil(t, second[i].TokenCount)
		assert.Equal(t, *first[i].TokenCount, *second[i].TokenCount)
		assert.Equal(t, len(first[i].Content), *second[i].TokenCount)
	}
}

func TestHistoryWithoutModelDoesNotPersistEstimate(t *testing.T) {
	s, counter := newTestStore(t, 10)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "42", RoleUser, "12345678")
	require.NoError(t, err)

	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{MaxTokenBudget: 100})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].TokenCount)

	_, err = s.GetConversationHistory(ctx, "42", HistoryQuery{MaxTokenBudget: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, counter.Calls(), "estimates are recomputed while the count stays null")
}

func TestClearChatHistory(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	c1, err := s.GetOrCreateConversation(ctx, "42")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "42", RoleUser, "in c1", InConversation(c1))
	require.NoError(t, err)
	c2, err := s.StartConversation(ctx, "42", nil)
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "42", RoleUser, "in c2", InConversation(c2))
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, "7", RoleUser, "other chat")
	require.NoError(t, err)

	n, err := s.ClearChatHistory(ctx, "42", c1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ConversationID: c2})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = s.ClearChatHistory(ctx, "42", 0)
	require.NoError(t, err)
	for _, id := range []int64{c1, c2} {
		msgs, err := s.GetConversationHistory(ctx, "42", HistoryQuery{ConversationID: id})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}

	// conversation rows survive
	convs, err := s.ListConversations(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	other, err := s.GetConversationHistory(ctx, "7", HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"other chat"}, contents(other))
}

func TestStorageFailureAfterClose(t *testing.T) {
	s, _ := newTestStore(t, 10)
	require.NoError(t, s.Close())

	_, err := s.AddMessage(context.Background(), "42", RoleUser, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStorage)
}

func TestConcurrentChatsDoNotInterfere(t *testing.T) {
	s, _ := newTestStore(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for chat := 0; chat < 4; chat++ {
		chatID := fmt.Sprint(chat)
		_, err := s.GetOrCreateConversation(ctx, chatID)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.AddMessage(ctx, chatID, RoleUser, fmt.Sprintf("%s-%d", chatID, i))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for chat := 0; chat < 4; chat++ {
		msgs, err := s.GetConversationHistory(ctx, fmt.Sprint(chat), HistoryQuery{})
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf("%d-%d", chat, i), m.Content)
		}
	}
}
