package lifecycle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/publisher/memory"
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

func (f *fakeChats) get(t *testing.T, chatID int64) sniper.ChatMetadata {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.chats[chatID]
	require.True(t, ok)
	return meta
}

// fakeCompleter scripts responses per call kind, telling extraction and
// evaluation apart by their system prompts.
type fakeCompleter struct {
	mu               sync.Mutex
	extractResponses []string
	evalResponses    []string
	extractCalls     int
	evalCalls        int
	err              error
}

func (f *fakeCompleter) Complete(_ context.Context, system, _ string, _ float64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if strings.Contains(system, "identify") {
		f.extractCalls++
		return popResponse(&f.extractResponses), nil
	}
	f.evalCalls++
	return popResponse(&f.evalResponses), nil
}

func popResponse(queue *[]string) string {
	if len(*queue) == 0 {
		return ""
	}
	out := (*queue)[0]
	*queue = (*queue)[1:]
	return out
}

func (f *fakeCompleter) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extractCalls, f.evalCalls
}

type staticClients struct {
	clients []chatnet.Client
}

func (s staticClients) Members() []chatnet.Client { return s.clients }

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func activeMessages(chatID int64, n int) []sniper.InboundMessage {
	msgs := make([]sniper.InboundMessage, n)
	for i := range msgs {
		msgs[i] = sniper.InboundMessage{
			ChatID:    chatID,
			MessageID: int64(i + 1),
			Text:      "gm everyone",
		}
	}
	return msgs
}

func reportsOf(clock *movableClock, scores ...float64) []sniper.QualityReport {
	out := make([]sniper.QualityReport, len(scores))
	for i, s := range scores {
		out[i] = sniper.QualityReport{Score: s, Reason: "scored", ProcessedAt: clock.Now()}
	}
	return out
}

func otherEntity() *sniper.EntityDescriptor {
	return &sniper.EntityDescriptor{Type: sniper.EntityOther}
}

func testEngine(chats *fakeChats, client *chatnet.MemoryClient, ai *fakeCompleter, pub *memory.Publisher, clock *movableClock, cfg Config) *Engine {
	return New(chats, staticClients{[]chatnet.Client{client}}, ai, pub, clock, cfg, zap.NewNop())
}

func TestFullWindowHighMeanStaysActive(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID:  100,
		Name:    "alpha",
		Status:  sniper.ChatStatusEvaluating,
		Entity:  otherEntity(),
		Reports: reportsOf(clock, 9, 9, 9, 9),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[100] = activeMessages(100, 20)
	ai := &fakeCompleter{evalResponses: []string{`{"score": 2, "reason": "quiet day"}`}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))

	meta := chats.get(t, 100)
	// latest is below threshold but the mean is not; dual guard holds.
	require.Equal(t, sniper.ChatStatusActive, meta.Status)
	require.Len(t, meta.Reports, 5)
	require.Equal(t, 2.0, meta.Reports[4].Score)
	require.Len(t, pub.Messages(), 1)
}

func TestFullWindowLowScoresGoLowQuality(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID:  101,
		Name:    "beta",
		Status:  sniper.ChatStatusEvaluating,
		Entity:  otherEntity(),
		Reports: reportsOf(clock, 2, 2, 2, 2),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[101] = activeMessages(101, 20)
	ai := &fakeCompleter{evalResponses: []string{`{"score": 2, "reason": "spam"}`}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))
	require.Equal(t, sniper.ChatStatusLowQuality, chats.get(t, 101).Status)

	// sticky: the next cycle never touches it again
	require.NoError(t, e.RunCycle(context.Background()))
	_, evals := ai.calls()
	require.Equal(t, 1, evals)
}

func TestPartialWindowStaysEvaluating(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID:  102,
		Name:    "gamma",
		Status:  sniper.ChatStatusEvaluating,
		Entity:  otherEntity(),
		Reports: reportsOf(clock, 1, 1),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[102] = activeMessages(102, 20)
	ai := &fakeCompleter{evalResponses: []string{`{"score": 1, "reason": "bad"}`}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))

	meta := chats.get(t, 102)
	require.Equal(t, sniper.ChatStatusEvaluating, meta.Status)
	require.Len(t, meta.Reports, 3)
	require.Empty(t, pub.Messages())
}

func TestInactiveShortCircuitSkipsAICall(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID: 103,
		Name:   "quiet",
		Status: sniper.ChatStatusEvaluating,
		Entity: otherEntity(),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[103] = activeMessages(103, 3)
	ai := &fakeCompleter{}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))

	extracts, evals := ai.calls()
	require.Zero(t, extracts)
	require.Zero(t, evals)
	meta := chats.get(t, 103)
	require.Len(t, meta.Reports, 1)
	require.Equal(t, 0.0, meta.Reports[0].Score)
	require.Equal(t, "inactive", meta.Reports[0].Reason)
}

func TestActiveCadenceWaitsForInactivityWindow(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID:  104,
		Name:    "steady",
		Status:  sniper.ChatStatusActive,
		Entity:  otherEntity(),
		Reports: reportsOf(clock, 8, 8, 8, 8, 8),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[104] = activeMessages(104, 20)
	ai := &fakeCompleter{evalResponses: []string{`{"score": 8, "reason": "good"}`}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})

	// an hour later: not due
	clock.advance(time.Hour)
	require.NoError(t, e.RunCycle(context.Background()))
	_, evals := ai.calls()
	require.Zero(t, evals)
	require.Len(t, chats.get(t, 104).Reports, 5)

	// past the 24h window: due again
	clock.advance(24 * time.Hour)
	require.NoError(t, e.RunCycle(context.Background()))
	_, evals = ai.calls()
	require.Equal(t, 1, evals)
	meta := chats.get(t, 104)
	require.Len(t, meta.Reports, 5)
	require.Equal(t, clock.Now(), meta.Reports[4].ProcessedAt)
}

func TestEntityExtractionMergesUntilFinalized(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	name := "FOO"
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID: 105,
		Name:   "foo holders",
		Status: sniper.ChatStatusEvaluating,
		Entity: &sniper.EntityDescriptor{Type: sniper.EntityMemecoin, Name: &name},
	})
	client := chatnet.NewMemoryClient()
	client.Messages[105] = activeMessages(105, 20)
	ai := &fakeCompleter{
		extractResponses: []string{`{"type": "memecoin", "name": null, "twitter": "@foo"}`},
		evalResponses:    []string{`{"score": 7, "reason": "ok"}`, `{"score": 7, "reason": "ok"}`},
	}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))

	meta := chats.get(t, 105)
	require.NotNil(t, meta.Entity)
	require.Equal(t, "FOO", *meta.Entity.Name)
	require.Equal(t, "@foo", *meta.Entity.Twitter)
	// finalization announced even without a status change
	require.Len(t, pub.Messages(), 1)
	ev, ok := pub.Messages()[0].Payload.(sniper.TransitionEvent)
	require.True(t, ok)
	require.True(t, ev.Finalized)

	// finalized: the next cycle runs no extraction
	require.NoError(t, e.RunCycle(context.Background()))
	extracts, _ := ai.calls()
	require.Equal(t, 1, extracts)
}

func TestFiveCycleScenario(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID: 106,
		Name:   "journey",
		Status: sniper.ChatStatusEvaluating,
		Entity: otherEntity(),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[106] = activeMessages(106, 20)
	ai := &fakeCompleter{evalResponses: []string{
		`{"score": 8, "reason": "r1"}`,
		`{"score": 7, "reason": "r2"}`,
		`{"score": 9, "reason": "r3"}`,
		`{"score": 6, "reason": "r4"}`,
		`{"score": 8, "reason": "r5"}`,
	}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	for i := 0; i < 4; i++ {
		require.NoError(t, e.RunCycle(context.Background()))
		require.Equal(t, sniper.ChatStatusEvaluating, chats.get(t, 106).Status)
		clock.advance(time.Minute)
	}
	require.NoError(t, e.RunCycle(context.Background()))

	meta := chats.get(t, 106)
	require.Equal(t, sniper.ChatStatusActive, meta.Status)
	require.Len(t, meta.Reports, 5)

	// a sixth cycle within the day is skipped for the now ACTIVE chat
	clock.advance(time.Hour)
	require.NoError(t, e.RunCycle(context.Background()))
	_, evals := ai.calls()
	require.Equal(t, 5, evals)
}

func TestWeightedScoringCombinesAlignment(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID:   107,
		Name:     "weighted",
		Category: "memecoin",
		Status:   sniper.ChatStatusEvaluating,
		Entity:   otherEntity(),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[107] = activeMessages(107, 20)
	ai := &fakeCompleter{evalResponses: []string{`{"score": 8, "category_alignment": 4}`}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{WeightedScoring: true})
	require.NoError(t, e.RunCycle(context.Background()))

	meta := chats.get(t, 107)
	require.Len(t, meta.Reports, 1)
	require.InDelta(t, 6.8, meta.Reports[0].Score, 1e-9)
}

func TestContextFetchFailureDegrades(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID: 108,
		Name:   "flaky",
		Status: sniper.ChatStatusEvaluating,
		Entity: otherEntity(),
	})
	client := chatnet.NewMemoryClient()
	client.GetErr = context.DeadlineExceeded
	ai := &fakeCompleter{}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))

	// no sample could be fetched, so the inactive short-circuit applies
	meta := chats.get(t, 108)
	require.Len(t, meta.Reports, 1)
	require.Equal(t, "inactive", meta.Reports[0].Reason)
}

func TestFailedEvaluationLeavesWindowUntouched(t *testing.T) {
	t.Parallel()
	clock := &movableClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	chats := newFakeChats(sniper.ChatMetadata{
		ChatID: 109,
		Name:   "unparseable",
		Status: sniper.ChatStatusEvaluating,
		Entity: otherEntity(),
	})
	client := chatnet.NewMemoryClient()
	client.Messages[109] = activeMessages(109, 20)
	ai := &fakeCompleter{evalResponses: []string{`sorry, I cannot help with that`}}
	pub := memory.New()

	e := testEngine(chats, client, ai, pub, clock, Config{})
	require.NoError(t, e.RunCycle(context.Background()))

	meta := chats.get(t, 109)
	require.Empty(t, meta.Reports)
	require.Equal(t, sniper.ChatStatusEvaluating, meta.Status)
}
