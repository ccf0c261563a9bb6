package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/history"
	"github.com/memohai/imhub/internal/queue"
)

// stubProvider decodes bodies of the form {"id": ..., "root": ..., "text": ...}.
type stubProvider struct {
	ct       channel.ChannelType
	parseErr error
	mu       sync.Mutex
	notices  []string
}

func (p *stubProvider) Type() channel.ChannelType { return p.ct }

func (p *stubProvider) ValidateConfig(map[string]any) error { return nil }

func (p *stubProvider) Challenge(body []byte) (string, bool) {
	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if json.Unmarshal(body, &probe) != nil || probe.Type != "url_verification" {
		return "", false
	}
	return probe.Challenge, true
}

func (p *stubProvider) ParseEvent(_ context.Context, app channel.AppConfig, req channel.Request) (channel.ParseResult, error) {
	if p.parseErr != nil {
		return channel.ParseResult{}, p.parseErr
	}
	var body struct {
		ID     string `json:"id"`
		Root   string `json:"root"`
		Text   string `json:"text"`
		Ignore string `json:"ignore"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return channel.ParseResult{}, channel.ErrMalformedPayload
	}
	if body.Ignore != "" {
		return channel.ParseResult{Ignored: body.Ignore}, nil
	}
	event := channel.InboundEvent{
		ExternalID: body.ID,
		AppID:      app.ID,
		Provider:   p.ct,
		RootID:     body.Root,
		Text:       body.Text,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
	if err := event.Validate(); err != nil {
		return channel.ParseResult{}, err
	}
	return channel.ParseResult{Event: &event}, nil
}

func (p *stubProvider) SendNotice(_ context.Context, _ channel.AppConfig, _ channel.InboundEvent, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, text)
	return nil
}

func (p *stubProvider) sentNotices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.notices...)
}

type fakeResolver struct {
	apps map[string]apps.App
	err  error
}

func (r *fakeResolver) Resolve(_ context.Context, appID string) (apps.App, error) {
	app, ok := r.apps[appID]
	if !ok {
		return apps.App{}, apps.ErrAppNotFound
	}
	return app, r.err
}

// fakeAdmission mirrors the table semantics: a primary key on id and a
// messages table that marks completion.
type fakeAdmission struct {
	mu       sync.Mutex
	rows     map[string]admission.Record
	messages map[string]bool
	released []string
}

func newFakeAdmission() *fakeAdmission {
	return &fakeAdmission{rows: map[string]admission.Record{}, messages: map[string]bool{}}
}

func (f *fakeAdmission) Admit(_ context.Context, rec admission.Record) (admission.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages[rec.ID] {
		return admission.Completed, nil
	}
	existing, ok := f.rows[rec.ID]
	if !ok {
		f.rows[rec.ID] = rec
		return admission.Admitted, nil
	}
	if existing.Processing {
		return admission.InFlight, nil
	}
	return admission.Completed, nil
}

func (f *fakeAdmission) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	delete(f.rows, id)
	return nil
}

func (f *fakeAdmission) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeTerms struct{ terms []string }

func (f fakeTerms) Match(context.Context, string, string) []string { return f.terms }

type fakeHistory struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeHistory) Fetch(_ context.Context, rootID string, limit int) []history.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rootID)
	return []history.Message{{ID: "prev", ConversationID: rootID, Content: "earlier answer", IsAIAnswer: true}}
}

type fakeQueue struct {
	mu    sync.Mutex
	jobs  []queue.Job
	delay time.Duration
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	f.delay = delay
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fixture struct {
	svc       *Service
	provider  *stubProvider
	summary   *stubProvider
	resolver  *fakeResolver
	admission *fakeAdmission
	history   *fakeHistory
	queue     *fakeQueue
}

func newFixture(t *testing.T, tokens int64) *fixture {
	t.Helper()
	f := &fixture{
		provider:  &stubProvider{ct: channel.TypeFeishu},
		summary:   &stubProvider{ct: channel.TypeFeishuSummary},
		admission: newFakeAdmission(),
		history:   &fakeHistory{},
		queue:     &fakeQueue{},
	}
	registry := channel.NewRegistry()
	require.NoError(t, registry.Register(f.provider))
	require.NoError(t, registry.Register(f.summary))

	resource := &apps.AIResource{ID: "res-1", TokenRemains: tokens}
	f.resolver = &fakeResolver{apps: map[string]apps.App{
		"app-1": {ID: "app-1", Name: "Helper", Provider: channel.TypeFeishu, OrganizationID: "org-1", AIResource: resource},
		"sum-1": {ID: "sum-1", Name: "Helper", Provider: channel.TypeFeishuSummary, OrganizationID: "org-1", AIResource: resource},
	}}
	f.svc = NewService(nil, registry, f.resolver, f.admission, fakeTerms{terms: []string{"secret"}}, f.history, f.queue, Options{
		HistoryLimit:  20,
		DispatchDelay: time.Second,
	})
	return f
}

func push(provider channel.ChannelType, appID, body string) Request {
	return Request{Provider: provider, AppID: appID, Raw: channel.Request{Body: []byte(body)}}
}

func TestHandle_AcceptsAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	res, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m1","root":"r1","text":"a secret plan"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	require.Equal(t, 1, f.queue.count())

	job := f.queue.jobs[0]
	assert.Equal(t, "m1", job.ID)
	assert.Equal(t, "app-1", job.ReceivedEvent.AppID)
	assert.True(t, job.ReceivedEvent.Processing)
	assert.Equal(t, []string{"secret"}, job.SensitiveWords)
	assert.Equal(t, "org-1", job.App.OrganizationID)
	assert.Len(t, job.History, 1)
	assert.Equal(t, []string{"r1"}, f.history.calls)
	assert.Equal(t, time.Second, f.queue.delay)
}

func TestHandle_NoHistoryOutsideThread(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m1","root":"m1","text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.count())
	assert.Empty(t, f.queue.jobs[0].History)
	assert.NotNil(t, f.queue.jobs[0].History)
	assert.Empty(t, f.history.calls)
}

func TestHandle_SummaryEventsCarryNoHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishuSummary, "sum-1", `{"id":"m1","root":"r1","text":"summary"}`))
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.count())
	assert.Empty(t, f.queue.jobs[0].History)
	assert.Empty(t, f.history.calls)
}

func TestHandle_ChallengeIsSideEffectFree(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	res, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "unknown-app", `{"type":"url_verification","challenge":"tok-Ab9_"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallenge, res.Outcome)
	assert.Equal(t, "tok-Ab9_", res.Challenge)
	assert.Zero(t, f.admission.rowCount())
	assert.Zero(t, f.queue.count())
}

func TestHandle_QuotaExhaustedSendsNotice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m1","text":"a secret"}`))
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, []string{"Token已耗尽，请联系相关人员添加Token"}, f.provider.sentNotices())
	assert.Zero(t, f.admission.rowCount())
	assert.Zero(t, f.queue.count())
}

func TestHandle_SummaryWithoutResourceGetsMisconfiguredNotice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	app := f.resolver.apps["sum-1"]
	app.AIResource = nil
	f.resolver.apps["sum-1"] = app

	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishuSummary, "sum-1", `{"id":"m1","text":"summary"}`))
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, []string{"应用资源配置有误。"}, f.summary.sentNotices())
}

func TestHandle_DuplicateDeliveryWhileInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	body := `{"id":"m2","text":"hello"}`
	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", body))
	require.NoError(t, err)

	_, err = f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", body))
	require.ErrorIs(t, err, ErrAdmissionConflict)
	assert.Equal(t, 1, f.admission.rowCount())
	assert.Equal(t, 1, f.queue.count())
}

func TestHandle_AnsweredMessageIsNotRequeued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	f.admission.messages["m3"] = true

	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m3","text":"hello"}`))
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Zero(t, f.admission.rowCount())
	assert.Zero(t, f.queue.count())
}

func TestHandle_ConcurrentDeliveriesAdmitOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"mx","text":"hello"}`))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrAdmissionConflict), errors.Is(err, ErrAlreadyCompleted):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, f.admission.rowCount())
	assert.Equal(t, 1, f.queue.count())
}

func TestHandle_EnqueueFailureReleasesAdmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	f.queue.err = errors.New("redis down")

	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m4","text":"hello"}`))
	require.Error(t, err)
	assert.Equal(t, []string{"m4"}, f.admission.released)

	f.queue.err = nil
	_, err = f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m4","text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.count())
}

func TestHandle_UnknownAppAndProviderMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	_, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "missing", `{"id":"m1"}`))
	assert.ErrorIs(t, err, apps.ErrAppNotFound)

	_, err = f.svc.Handle(context.Background(), push(channel.TypeFeishuSummary, "app-1", `{"id":"m1"}`))
	assert.ErrorIs(t, err, apps.ErrAppNotFound)

	_, err = f.svc.Handle(context.Background(), push(channel.TypeDingTalk, "app-1", `{"id":"m1"}`))
	assert.ErrorIs(t, err, apps.ErrAppNotFound)
}

func TestHandle_SoftRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)

	res, err := f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"text":"no id"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"ignore":"not addressed to bot"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, "not addressed to bot", res.Reason)

	f.provider.parseErr = channel.ErrEnvelope
	res, err = f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	f.resolver.err = apps.ErrAppMisconfigured
	res, err = f.svc.Handle(context.Background(), push(channel.TypeFeishu, "app-1", `{"id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	assert.Zero(t, f.admission.rowCount())
	assert.Zero(t, f.queue.count())
}
