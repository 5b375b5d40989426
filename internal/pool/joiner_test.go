package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

type fakeChats struct {
	mu    sync.Mutex
	chats map[int64]sniper.ChatMetadata
}

func newFakeChats(seed ...sniper.ChatMetadata) *fakeChats {
	f := &fakeChats{chats: make(map[int64]sniper.ChatMetadata)}
	for _, c := range seed {
		f.chats[c.ChatID] = c
	}
	return f
}

func (f *fakeChats) UpsertChat(_ context.Context, meta sniper.ChatMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[meta.ChatID] = meta
	return nil
}

func (f *fakeChats) GetChat(_ context.Context, chatID int64) (sniper.ChatMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.chats[chatID]
	if !ok {
		return sniper.ChatMetadata{}, sniper.ErrChatNotFound
	}
	return meta, nil
}

func (f *fakeChats) ListWatched(context.Context) ([]sniper.ChatMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sniper.ChatMetadata, 0, len(f.chats))
	for _, c := range f.chats {
		if c.Status != sniper.ChatStatusBlocked {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChats) SetStatus(_ context.Context, chatID int64, status sniper.ChatStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.chats[chatID]
	if !ok {
		return sniper.ErrChatNotFound
	}
	meta.Status = status
	f.chats[chatID] = meta
	return nil
}

func (f *fakeChats) get(chatID int64) (sniper.ChatMetadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.chats[chatID]
	return meta, ok
}

func groupDialog(id int64, title string) chatnet.MemoryDialog {
	return chatnet.MemoryDialog{
		DialogID:     id,
		DialogTitle:  title,
		DialogAbout:  "about " + title,
		Participants: 250,
		Group:        true,
	}
}

// startedPool brings up a pool with the given accounts, all local egress.
func startedPool(t *testing.T, accounts *fakeAccounts, factory *recordingFactory) *Pool {
	t.Helper()
	p := New(accounts, newFakeSessions(), &fakeLeaser{}, factory, nil, realClock{},
		Config{LocalClientsLimit: 16}, zap.NewNop())
	require.NoError(t, p.Start(context.Background()))
	return p
}

func TestSweepJoinsUntilMinWatchers(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(testAccount(1), testAccount(2), testAccount(3))
	factory := newRecordingFactory()
	p := startedPool(t, accounts, factory)

	dialog := groupDialog(100, "alpha")
	for id := int64(1); id <= 3; id++ {
		factory.client(id).Dialogs = []chatnet.Dialog{dialog}
	}

	chats := newFakeChats()
	j := NewJoiner(p, accounts, chats, realClock{}, Config{MinWatchers: 2}, zap.NewNop())
	j.Sweep(context.Background())

	n, err := accounts.WatcherCount(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{100}, factory.client(1).Joined)
	require.Equal(t, []int64{100}, factory.client(2).Joined)
	require.Empty(t, factory.client(3).Joined)

	// Already satisfied, a second sweep changes nothing.
	j.Sweep(context.Background())
	n, err = accounts.WatcherCount(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{100}, factory.client(1).Joined)
}

func TestSweepCreatesChatRecord(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(testAccount(1))
	factory := newRecordingFactory()
	p := startedPool(t, accounts, factory)
	factory.client(1).Dialogs = []chatnet.Dialog{groupDialog(200, "beta")}

	chats := newFakeChats()
	j := NewJoiner(p, accounts, chats, realClock{}, Config{MinWatchers: 1}, zap.NewNop())
	j.Sweep(context.Background())

	meta, ok := chats.get(200)
	require.True(t, ok)
	require.Equal(t, sniper.ChatStatusEvaluating, meta.Status)
	require.Equal(t, "beta", meta.Name)
	require.Equal(t, "about beta", meta.About)
	require.Equal(t, 250, meta.ParticipantCount)
}

func TestSweepSkipsBlockedAndLowQuality(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(testAccount(1))
	factory := newRecordingFactory()
	p := startedPool(t, accounts, factory)
	factory.client(1).Dialogs = []chatnet.Dialog{
		groupDialog(300, "blocked"),
		groupDialog(301, "lowq"),
	}

	chats := newFakeChats(
		sniper.ChatMetadata{ChatID: 300, Name: "blocked", Status: sniper.ChatStatusBlocked},
		sniper.ChatMetadata{ChatID: 301, Name: "lowq", Status: sniper.ChatStatusLowQuality},
	)
	j := NewJoiner(p, accounts, chats, realClock{}, Config{MinWatchers: 2}, zap.NewNop())
	j.Sweep(context.Background())

	require.Empty(t, factory.client(1).Joined)
}

func TestSweepSkipsNonGroupDialogs(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(testAccount(1))
	factory := newRecordingFactory()
	p := startedPool(t, accounts, factory)
	factory.client(1).Dialogs = []chatnet.Dialog{
		chatnet.MemoryDialog{DialogID: 400, DialogTitle: "dm"},
	}

	chats := newFakeChats()
	j := NewJoiner(p, accounts, chats, realClock{}, Config{MinWatchers: 2}, zap.NewNop())
	j.Sweep(context.Background())

	require.Empty(t, factory.client(1).Joined)
	_, ok := chats.get(400)
	require.False(t, ok)
}

func TestSweepRateLimitPausesMember(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(testAccount(1))
	factory := newRecordingFactory()
	p := startedPool(t, accounts, factory)
	client := factory.client(1)
	client.Dialogs = []chatnet.Dialog{groupDialog(500, "gamma"), groupDialog(501, "delta")}
	client.JoinErr = &chatnet.RateLimitError{RetryAfter: 5 * time.Millisecond}

	chats := newFakeChats()
	j := NewJoiner(p, accounts, chats, realClock{}, Config{MinWatchers: 1}, zap.NewNop())
	j.Sweep(context.Background())

	// Neither dialog joined; the chat that tripped the limit stays pending.
	require.Empty(t, client.Joined)
	_, ok := chats.get(500)
	require.False(t, ok)

	// The limit cleared, the next sweep picks both up.
	client.JoinErr = nil
	j.Sweep(context.Background())
	require.Equal(t, []int64{500, 501}, client.Joined)
}

func TestSweepMarksBannedAccount(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(testAccount(1))
	factory := newRecordingFactory()
	p := startedPool(t, accounts, factory)
	client := factory.client(1)
	client.Dialogs = []chatnet.Dialog{groupDialog(600, "epsilon")}
	client.JoinErr = chatnet.ErrBanned

	chats := newFakeChats()
	j := NewJoiner(p, accounts, chats, realClock{}, Config{MinWatchers: 1}, zap.NewNop())
	j.Sweep(context.Background())

	require.Equal(t, sniper.AccountStatusBanned, accounts.status(1))
}
