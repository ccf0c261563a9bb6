package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/completion"
	"github.com/memohai/imhub/internal/queue"
)

type stubProvider struct {
	mu   sync.Mutex
	sent []string
}

func (p *stubProvider) Type() channel.ChannelType          { return channel.TypeFeishu }
func (p *stubProvider) ValidateConfig(map[string]any) error { return nil }
func (p *stubProvider) Challenge([]byte) (string, bool)     { return "", false }

func (p *stubProvider) ParseEvent(context.Context, channel.AppConfig, channel.Request) (channel.ParseResult, error) {
	return channel.ParseResult{}, nil
}

func (p *stubProvider) SendNotice(_ context.Context, _ channel.AppConfig, event channel.InboundEvent, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, event.ExternalID+":"+text)
	return nil
}

type fakeRecords struct {
	mu   sync.Mutex
	recs map[string]admission.Record
}

func (f *fakeRecords) Get(_ context.Context, id string) (admission.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return admission.Record{}, admission.ErrNotFound
	}
	return rec, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, appID string) (apps.App, error) {
	return apps.App{ID: appID, Provider: channel.TypeFeishu}, nil
}

type fakeProcessor struct {
	mu     sync.Mutex
	result *completion.Result
	err    error
	calls  int
	before func()
}

func (f *fakeProcessor) Process(context.Context, queue.Job) (*completion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.before != nil {
		f.before()
	}
	return f.result, f.err
}

type fakeCompleter struct {
	mu     sync.Mutex
	inputs []completion.Input
}

func (f *fakeCompleter) Complete(_ context.Context, in completion.Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return nil
}

type harness struct {
	pool      *Pool
	queue     *queue.RedisQueue
	records   *fakeRecords
	provider  *stubProvider
	processor *fakeProcessor
	completer *fakeCompleter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := miniredis.RunT(t)
	opts, err := redis.ParseURL("redis://" + s.Addr())
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		queue:     queue.NewRedisQueue(nil, client, "test:worker", time.Minute),
		records:   &fakeRecords{recs: map[string]admission.Record{}},
		provider:  &stubProvider{},
		processor: &fakeProcessor{result: &completion.Result{Message: &completion.Answer{Content: "done"}}},
		completer: &fakeCompleter{},
	}
	registry := channel.NewRegistry()
	require.NoError(t, registry.Register(h.provider))
	h.pool = NewPool(nil, h.queue, h.records, fakeResolver{}, registry, h.processor, h.completer, Options{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	})
	return h
}

func (h *harness) admit(t *testing.T, id string, processing bool) {
	t.Helper()
	rec, err := admission.NewRecord(channel.InboundEvent{
		ExternalID: id,
		AppID:      "app-1",
		Provider:   channel.TypeFeishu,
		CreatedAt:  time.UnixMilli(1700000000000),
	})
	require.NoError(t, err)
	rec.Processing = processing
	h.records.mu.Lock()
	h.records.recs[id] = rec
	h.records.mu.Unlock()
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Job{ID: id, ReceivedEvent: rec}, 0))
}

func TestRunOnce_ProcessesAnswersAndCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.admit(t, "om_1", true)

	worked, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"om_1:done"}, h.provider.sent)
	require.Len(t, h.completer.inputs, 1)
	assert.Equal(t, "om_1", h.completer.inputs[0].ExternalID)
	assert.Equal(t, "done", h.completer.inputs[0].Result.Message.Content)

	ready, inflight, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestRunOnce_SkipsCompletedEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.admit(t, "om_2", false)

	worked, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Zero(t, h.processor.calls)
	assert.Empty(t, h.completer.inputs)
}

func TestRunOnce_DropsJobWithoutRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Job{ID: "om_ghost"}, 0))

	worked, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Zero(t, h.processor.calls)

	_, inflight, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestRunOnce_ProcessorFailureStillCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.processor.err = errors.New("model unavailable")
	h.admit(t, "om_3", true)

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.provider.sent)
	require.Len(t, h.completer.inputs, 1)
	assert.Nil(t, h.completer.inputs[0].Result)
}

func TestRunOnce_ShutdownLeavesJobInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.admit(t, "om_1", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.processor.before = cancel
	h.processor.err = context.Canceled

	worked, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Empty(t, h.completer.inputs)
	assert.Empty(t, h.provider.sent)

	ready, inflight, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), inflight)
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	worked, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestPool_StartDrainsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, id := range []string{"om_a", "om_b", "om_c"} {
		h.admit(t, id, true)
	}

	h.pool.Start(context.Background())
	require.Eventually(t, func() bool {
		h.completer.mu.Lock()
		defer h.completer.mu.Unlock()
		return len(h.completer.inputs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.pool.Shutdown(ctx))
	require.NoError(t, h.pool.Shutdown(ctx))
}
