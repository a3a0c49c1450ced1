package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var ev = model.OutboxEvent{
	ID:          "e1",
	AggregateID: "u1",
	Type:        "user.verified",
	Payload:     []byte(`{"user_id":"u1"}`),
	OccurredAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
}

type sinkMock struct{ mock.Mock }

func (m *sinkMock) Name() string { return m.Called().String(0) }

func (m *sinkMock) Deliver(ctx context.Context, e model.OutboxEvent) error {
	return m.Called(ctx, e).Error(0)
}

type chRepoMock struct{ mock.Mock }

func (m *chRepoMock) Append(ctx context.Context, row repository.UserEventRow) error {
	return m.Called(ctx, row).Error(0)
}

func (m *chRepoMock) ListByUser(ctx context.Context, userID, eventType string, limit, offset int) ([]repository.UserEventRow, error) {
	args := m.Called(ctx, userID, eventType, limit, offset)
	rows, _ := args.Get(0).([]repository.UserEventRow)
	return rows, args.Error(1)
}

func TestDispatcher_AllSinksTriedAndErrorsJoined(t *testing.T) {
	a, b, c := &sinkMock{}, &sinkMock{}, &sinkMock{}
	a.On("Name").Return("a")
	b.On("Name").Return("b")
	c.On("Name").Return("c")
	a.On("Deliver", mock.Anything, ev).Return(nil).Once()
	b.On("Deliver", mock.Anything, ev).Return(errors.New("b down")).Twice()
	c.On("Deliver", mock.Anything, ev).Return(nil).Once()

	d := NewDispatcher([]Sink{a, b, c}, 2, nil)
	err := d.Deliver(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink b: b down")

	a.AssertExpectations(t)
	b.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestDispatcher_RetryRecovers(t *testing.T) {
	s := &sinkMock{}
	s.On("Name").Return("s")
	s.On("Deliver", mock.Anything, ev).Return(errors.New("blip")).Once()
	s.On("Deliver", mock.Anything, ev).Return(nil).Once()

	d := NewDispatcher([]Sink{s}, 3, nil)
	assert.NoError(t, d.Deliver(context.Background(), ev))
	s.AssertNumberOfCalls(t, "Deliver", 2)
}

func TestDispatcher_NoSinks(t *testing.T) {
	assert.ErrorIs(t, NewDispatcher(nil, 1, nil).Deliver(context.Background(), ev), ErrNoSinks)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, NewLogSink(zap.New(core)).Deliver(context.Background(), ev))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "e1", logs.All()[0].ContextMap()["event_id"])
}

func TestClickHouseSink(t *testing.T) {
	repo := &chRepoMock{}
	sink := NewClickHouseSink(repo)
	delivered := time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)
	sink.now = func() time.Time { return delivered }

	repo.On("Append", mock.Anything, repository.UserEventRow{
		EventID:     "e1",
		UserID:      "u1",
		Type:        "user.verified",
		Payload:     `{"user_id":"u1"}`,
		OccurredAt:  ev.OccurredAt,
		DeliveredAt: delivered,
	}).Return(nil).Once()

	require.NoError(t, sink.Deliver(context.Background(), ev))
	repo.AssertExpectations(t)
}

func TestWebhookSink_PostsSignedPayload(t *testing.T) {
	var gotSig, gotID, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotSig = r.Header.Get("X-Signature")
		gotID = r.Header.Get("X-Event-Id")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSink(config.WebhookConfig{Name: "crm", URL: srv.URL, Secret: "s3cret", Enabled: true})
	require.NoError(t, s.Deliver(context.Background(), ev))

	assert.Equal(t, `{"user_id":"u1"}`, gotBody)
	assert.Equal(t, "e1", gotID)
	assert.Equal(t, "sha256="+Sign([]byte("s3cret"), ev.Payload), gotSig)
	assert.Equal(t, "webhook:crm", s.Name())
}

func TestWebhookSink_BreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink(config.WebhookConfig{
		Name: "crm", URL: srv.URL,
		Breaker: config.BreakerConfig{FailThreshold: 2, OpenForMs: 60000},
	})

	for i := 0; i < 2; i++ {
		err := s.Deliver(context.Background(), ev)
		assert.ErrorContains(t, err, "status=502")
	}
	err := s.Deliver(context.Background(), ev)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestMicroBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMicroBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Second)
	assert.True(t, b.TryAcquire())
	assert.Equal(t, "half_open", b.State())
	assert.False(t, b.TryAcquire(), "only one probe")

	b.OnFailure()
	assert.Equal(t, "open", b.State())

	now = now.Add(2 * time.Second)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.TryAcquire())
}

func TestBuildSinks(t *testing.T) {
	hooks := []config.WebhookConfig{
		{Name: "on", URL: "http://x", Enabled: true},
		{Name: "off", URL: "http://y", Enabled: false},
		{Name: "nourl", Enabled: true},
	}
	sinks := BuildSinks(hooks, &chRepoMock{}, zap.NewNop())
	require.Len(t, sinks, 3)
	assert.Equal(t, "log", sinks[0].Name())
	assert.Equal(t, "clickhouse", sinks[1].Name())
	assert.Equal(t, "webhook:on", sinks[2].Name())

	assert.Len(t, BuildSinks(nil, nil, zap.NewNop()), 1)
}
