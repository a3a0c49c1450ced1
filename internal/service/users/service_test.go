package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository/memstore"
	"github.com/jmehdipour/onboarding/internal/result"
	"github.com/jmehdipour/onboarding/internal/service/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type identityMock struct{ mock.Mock }

func (m *identityMock) CreateUser(ctx context.Context, email, name string) (string, error) {
	args := m.Called(ctx, email, name)
	return args.String(0), args.Error(1)
}

func (m *identityMock) FindByEmail(ctx context.Context, email string) (string, bool, error) {
	args := m.Called(ctx, email)
	return args.String(0), args.Bool(1), args.Error(2)
}

type sentMail struct{ to, subject, body string }

type mailRecorder struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *mailRecorder) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

type fixedCode string

func (c fixedCode) Generate() (string, error) { return string(c), nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fixture struct {
	store *memstore.Store
	idp   *identityMock
	mail  *mailRecorder
	clock *fakeClock
	svc   *Service
}

func newFixture(t *testing.T, enableOTP bool) *fixture {
	t.Helper()
	st := memstore.New()
	f := &fixture{
		store: st,
		idp:   &identityMock{},
		mail:  &mailRecorder{},
		clock: &fakeClock{now: t0},
	}
	var n int
	f.svc = New(Deps{
		Tx:          st,
		Users:       st.Users(),
		Otps:        st.Otps(),
		Outbox:      st.Outbox(),
		Identity:    f.idp,
		Email:       f.mail,
		Codes:       fixedCode("123456"),
		Clock:       f.clock,
		NewID:       func() string { n++; return fmt.Sprintf("id-%03d", n) },
		OtpValidity: 10 * time.Minute,
		EnableOTP:   enableOTP,
	})
	t.Cleanup(func() { f.idp.AssertExpectations(t) })
	return f
}

func (f *fixture) register(t *testing.T) RegisterResponse {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterCommand{Email: "a@x.com", Name: "Ann"})
	require.NoError(t, err)
	require.True(t, res.IsSuccess(), "register failed: %v", res.Failure)
	return *res.Value
}

func TestRegister_CreatesPendingUserOtpAndEmail(t *testing.T) {
	f := newFixture(t, true)

	got := f.register(t)
	assert.Equal(t, "a@x.com", got.Email)
	assert.Equal(t, model.UserStatusPending, got.Status)
	assert.Equal(t, t0.Add(10*time.Minute), got.OtpExpiresAt)

	users := f.store.AllUsers()
	require.Len(t, users, 1)
	assert.Equal(t, model.UserStatusPending, users[0].Status)
	assert.Nil(t, users[0].ExternalRef)

	otps := f.store.AllOtps()
	require.Len(t, otps, 1)
	assert.Equal(t, "123456", otps[0].Code)
	assert.False(t, otps[0].Used)

	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, "a@x.com", f.mail.sent[0].to)
	assert.Contains(t, f.mail.sent[0].body, "123456")

	events := f.store.AllOutbox()
	require.Len(t, events, 1)
	assert.Equal(t, "user.registration_requested", events[0].Type)
	assert.Equal(t, got.UserID, events[0].AggregateID)
	assert.Contains(t, string(events[0].Payload), `"otp_code":"123456"`)
}

func TestRegister_DuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)

	res, err := f.svc.Register(context.Background(), RegisterCommand{Email: " A@X.com ", Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeConflict, res.Code())
	assert.Len(t, f.store.AllUsers(), 1)
	assert.Len(t, f.mail.sent, 1)
}

func TestRegister_FeatureDisabled(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.svc.Register(context.Background(), RegisterCommand{Email: "a@x.com", Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeFeatureDisabled, res.Code())
	assert.Empty(t, f.store.AllUsers())
	assert.Empty(t, f.mail.sent)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.svc.Register(context.Background(), RegisterCommand{Email: "not-an-email", Name: ""})
	require.NoError(t, err)
	assert.Equal(t, result.CodeValidation, res.Code())
	assert.Contains(t, res.Failure.Fields, "email")
	assert.Contains(t, res.Failure.Fields, "name")
}

func TestRegister_EmailFailureKeepsRegistration(t *testing.T) {
	f := newFixture(t, true)
	f.mail.err = errors.New("smtp down")

	f.register(t)
	assert.Len(t, f.store.AllUsers(), 1)
	assert.Len(t, f.store.AllOutbox(), 1)
}

func TestRegister_OutboxFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.store.FailOn(memstore.OpOutboxInsert, errors.New("disk full"))

	_, err := f.svc.Register(context.Background(), RegisterCommand{Email: "a@x.com", Name: "Ann"})
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, f.store.AllUsers())
	assert.Empty(t, f.store.AllOtps())
	assert.Empty(t, f.store.AllOutbox())
	assert.Empty(t, f.mail.sent)
}

func TestVerify_WrongCode(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)

	res, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "000000"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeOtpInvalid, res.Code())
	assert.Equal(t, model.UserStatusPending, f.store.AllUsers()[0].Status)
	assert.False(t, f.store.AllOtps()[0].Used)
}

func TestVerify_ExpiredCode(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)
	f.clock.now = t0.Add(10 * time.Minute)

	res, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeOtpExpired, res.Code())
	assert.Equal(t, model.UserStatusPending, f.store.AllUsers()[0].Status)
}

func TestVerify_TwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	reg := f.register(t)
	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("", false, nil).Once()
	f.idp.On("CreateUser", mock.Anything, "a@x.com", "Ann").Return("sub-1", nil).Once()

	cmd := VerifyCommand{Email: "a@x.com", Code: "123456"}
	first, err := f.svc.Verify(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, first.IsSuccess())
	assert.Equal(t, reg.UserID, first.Value.UserID)
	assert.Equal(t, model.UserStatusActive, first.Value.Status)
	assert.Equal(t, "sub-1", first.Value.ExternalRef)
	assert.False(t, first.Value.AlreadyVerified)
	assert.True(t, f.store.AllOtps()[0].Used)

	second, err := f.svc.Verify(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, second.IsSuccess())
	assert.True(t, second.Value.AlreadyVerified)
	assert.Equal(t, "sub-1", second.Value.ExternalRef)

	events := f.store.AllOutbox()
	require.Len(t, events, 2)
	assert.Equal(t, "user.registration_requested", events[0].Type)
	assert.Equal(t, "user.verified", events[1].Type)
	f.idp.AssertNumberOfCalls(t, "CreateUser", 1)
}

func TestVerify_UsesExistingProviderAccount(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)
	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("sub-old", true, nil).Once()

	res, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	assert.Equal(t, "sub-old", res.Value.ExternalRef)
	f.idp.AssertNotCalled(t, "CreateUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestVerify_ProviderFailureLeavesStateRetryable(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)
	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("", false, nil).Twice()
	f.idp.On("CreateUser", mock.Anything, "a@x.com", "Ann").Return("", errors.New("timeout")).Once()

	res, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeExternalService, res.Code())
	assert.Equal(t, model.UserStatusPending, f.store.AllUsers()[0].Status)
	assert.False(t, f.store.AllOtps()[0].Used)

	f.idp.On("CreateUser", mock.Anything, "a@x.com", "Ann").Return("sub-2", nil).Once()
	res, err = f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
}

func TestVerify_PersistFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)
	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("sub-1", true, nil).Once()
	f.store.FailOn(memstore.OpOutboxInsert, errors.New("deadlock"))

	_, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	assert.ErrorContains(t, err, "deadlock")

	assert.Equal(t, model.UserStatusPending, f.store.AllUsers()[0].Status)
	assert.Nil(t, f.store.AllUsers()[0].ExternalRef)
	assert.False(t, f.store.AllOtps()[0].Used)
	assert.Len(t, f.store.AllOutbox(), 1)
}

func TestVerify_CodeAlreadyUsed(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)
	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("sub-1", true, nil).Once()

	otp := model.RestoreOtp(f.store.AllOtps()[0])
	require.NoError(t, f.store.Otps().MarkUsed(context.Background(), nil, otp))

	res, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeOtpInvalid, res.Code())
	assert.Equal(t, "code already used", res.Failure.Message)
	assert.Equal(t, model.UserStatusPending, f.store.AllUsers()[0].Status)
}

func TestVerify_DeletedUserNotFound(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)

	u := model.RestoreUser(f.store.AllUsers()[0])
	u.Delete(t0)
	require.NoError(t, f.store.Users().Update(context.Background(), nil, u))

	res, err := f.svc.Verify(context.Background(), VerifyCommand{Email: "a@x.com", Code: "123456"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeNotFound, res.Code())
}

func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("creates active user", func(t *testing.T) {
		f := newFixture(t, true)
		res, err := f.svc.Sync(ctx, SyncCommand{Email: "b@x.com", Name: "Bob", ExternalRef: "sub-b"})
		require.NoError(t, err)
		require.True(t, res.IsSuccess())
		assert.True(t, res.Value.Created)
		assert.Equal(t, model.UserStatusActive, res.Value.Status)
		assert.Equal(t, "sub-b", res.Value.ExternalRef)
	})

	t.Run("binds ref to pending user and renames", func(t *testing.T) {
		f := newFixture(t, true)
		reg := f.register(t)
		res, err := f.svc.Sync(ctx, SyncCommand{Email: "a@x.com", Name: "Annie", ExternalRef: "sub-a"})
		require.NoError(t, err)
		require.True(t, res.IsSuccess())
		assert.False(t, res.Value.Created)
		assert.Equal(t, reg.UserID, res.Value.UserID)
		assert.Equal(t, "Annie", res.Value.Name)
		assert.Equal(t, model.UserStatusPending, res.Value.Status)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.svc.Sync(ctx, SyncCommand{Email: "b@x.com", Name: "Bob", ExternalRef: "sub-b"})
		require.NoError(t, err)
		_, err = f.svc.Sync(ctx, SyncCommand{Email: "c@x.com", Name: "Cat", ExternalRef: "sub-c"})
		require.NoError(t, err)

		res, err := f.svc.Sync(ctx, SyncCommand{Email: "b@x.com", Name: "Bob", ExternalRef: "sub-c"})
		require.NoError(t, err)
		assert.Equal(t, result.CodeConflict, res.Code())
		assert.Equal(t, "identity mismatch", res.Failure.Message)
	})

	t.Run("email bound to another ref", func(t *testing.T) {
		f := newFixture(t, true)
		_, err := f.svc.Sync(ctx, SyncCommand{Email: "b@x.com", Name: "Bob", ExternalRef: "sub-b"})
		require.NoError(t, err)

		res, err := f.svc.Sync(ctx, SyncCommand{Email: "b@x.com", Name: "Bob", ExternalRef: "sub-z"})
		require.NoError(t, err)
		assert.Equal(t, result.CodeConflict, res.Code())
	})
}

func newGuarded(t *testing.T, f *fixture) *Guarded {
	t.Helper()
	g := idempotency.New(f.store.Idempotency(), f.clock, 24*time.Hour, nil)
	return NewGuarded(f.svc, g)
}

func TestGuarded_RegisterReplay(t *testing.T) {
	f := newFixture(t, true)
	g := newGuarded(t, f)
	cmd := RegisterCommand{Email: "a@x.com", Name: "Ann"}

	first, err := g.Register(context.Background(), "key-1", cmd)
	require.NoError(t, err)
	require.True(t, first.IsSuccess())

	second, err := g.Register(context.Background(), "key-1", cmd)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.mail.sent, 1)

	// A new key runs the workflow, which now sees the existing email.
	third, err := g.Register(context.Background(), "key-2", cmd)
	require.NoError(t, err)
	assert.Equal(t, result.CodeConflict, third.Code())
}

func TestGuarded_TransientFailureIsRetryableWithSameKey(t *testing.T) {
	f := newFixture(t, true)
	g := newGuarded(t, f)
	f.register(t)
	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("", false, errors.New("503")).Once()

	cmd := VerifyCommand{Email: "a@x.com", Code: "123456"}
	res, err := g.Verify(context.Background(), "v-1", cmd)
	require.NoError(t, err)
	assert.Equal(t, result.CodeExternalService, res.Code())

	rec, ok := f.store.Record("v-1")
	require.True(t, ok)
	assert.Equal(t, model.IdempotencyFailed, rec.Status)

	f.idp.On("FindByEmail", mock.Anything, "a@x.com").Return("sub-1", true, nil).Once()
	res, err = g.Verify(context.Background(), "v-1", cmd)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
}

func TestGuarded_BusinessFailureIsCached(t *testing.T) {
	f := newFixture(t, true)
	g := newGuarded(t, f)
	f.register(t)

	cmd := VerifyCommand{Email: "a@x.com", Code: "999999"}
	res, err := g.Verify(context.Background(), "v-1", cmd)
	require.NoError(t, err)
	assert.Equal(t, result.CodeOtpInvalid, res.Code())

	rec, _ := f.store.Record("v-1")
	assert.Equal(t, model.IdempotencyCompleted, rec.Status)
}

func TestGuarded_MissingKey(t *testing.T) {
	f := newFixture(t, true)
	g := newGuarded(t, f)

	res, err := g.Register(context.Background(), "", RegisterCommand{Email: "a@x.com", Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, result.CodeValidation, res.Code())
	assert.Empty(t, f.store.AllUsers())
}

func TestGuarded_InFlightAndExpired(t *testing.T) {
	f := newFixture(t, true)
	g := newGuarded(t, f)

	_, _ = f.store.Idempotency().TryInsert(context.Background(), model.NewIdempotencyRecord("k", OpRegister, t0))
	_, err := g.Register(context.Background(), "k", RegisterCommand{Email: "a@x.com", Name: "Ann"})
	assert.ErrorIs(t, err, idempotency.ErrInFlight)

	f.clock.now = t0.Add(25 * time.Hour)
	_, err = g.Register(context.Background(), "k", RegisterCommand{Email: "a@x.com", Name: "Ann"})
	assert.ErrorIs(t, err, idempotency.ErrKeyExpired)
}
