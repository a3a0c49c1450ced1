package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/onboarding/internal/email"
	"github.com/jmehdipour/onboarding/internal/identity"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/metrics"
	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/jmehdipour/onboarding/internal/result"
	"github.com/jmehdipour/onboarding/internal/util"
	"github.com/jmehdipour/onboarding/internal/validate"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const DefaultOtpValidity = 10 * time.Minute

// Deps are the collaborators of Service. Clock, Codes, NewID and Log default
// when nil.
type Deps struct {
	Tx       repository.Transactor
	Users    repository.UsersRepository
	Otps     repository.OtpsRepository
	Outbox   repository.OutboxRepository
	Identity identity.Provider
	Email    email.Sender
	Codes    util.CodeGenerator
	Clock    util.Clock
	NewID    func() string
	Log      *zap.Logger

	OtpValidity time.Duration
	EnableOTP   bool
}

// Service runs the registration, verification and sync workflows. Each
// persists the aggregate and its events in one transaction.
type Service struct {
	tx       repository.Transactor
	users    repository.UsersRepository
	otps     repository.OtpsRepository
	outbox   repository.OutboxRepository
	identity identity.Provider
	mail     email.Sender
	codes    util.CodeGenerator
	clock    util.Clock
	newID    func() string
	log      *zap.Logger

	otpValidity time.Duration
	enableOTP   bool
}

// New constructs the users service.
func New(d Deps) *Service {
	s := &Service{
		tx:          d.Tx,
		users:       d.Users,
		otps:        d.Otps,
		outbox:      d.Outbox,
		identity:    d.Identity,
		mail:        d.Email,
		codes:       d.Codes,
		clock:       d.Clock,
		newID:       d.NewID,
		log:         logger.OrNop(d.Log),
		otpValidity: d.OtpValidity,
		enableOTP:   d.EnableOTP,
	}
	if s.codes == nil {
		s.codes = util.NumericCodes{Length: 6}
	}
	if s.clock == nil {
		s.clock = util.SystemClock{}
	}
	if s.newID == nil {
		s.newID = util.NewID
	}
	if s.otpValidity <= 0 {
		s.otpValidity = DefaultOtpValidity
	}
	return s
}

// Register creates a pending user with a fresh OTP and mails the code. The
// email goes out after commit; a send failure does not undo the registration.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (result.Result[RegisterResponse], error) {
	res, err := s.register(ctx, cmd)
	observe(metrics.RegistrationsTotal, res.Code(), err)
	return res, err
}

func (s *Service) register(ctx context.Context, cmd RegisterCommand) (result.Result[RegisterResponse], error) {
	var zero result.Result[RegisterResponse]
	if f := validate.Struct(cmd); f != nil {
		return result.Fail[RegisterResponse](f), nil
	}
	if !s.enableOTP {
		return result.Fail[RegisterResponse](result.FeatureDisabled("otp registration is disabled")), nil
	}

	addr := model.NormalizeEmail(cmd.Email)
	name := strings.TrimSpace(cmd.Name)

	exists, err := s.users.ExistsByEmail(ctx, addr)
	if err != nil {
		return zero, fmt.Errorf("register: check email: %w", err)
	}
	if exists {
		return result.Fail[RegisterResponse](result.Conflict("email already registered")), nil
	}

	code, err := s.codes.Generate()
	if err != nil {
		return zero, fmt.Errorf("register: %w", err)
	}

	now := s.clock.Now()
	user := model.NewPendingUser(s.newID(), addr, name, now)
	otp := model.NewOtp(s.newID(), addr, code, now, s.otpValidity)
	user.RecordRegistration(code, now)

	err = s.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.users.Insert(ctx, tx, user); err != nil {
			return err
		}
		if err := s.otps.Insert(ctx, tx, otp); err != nil {
			return err
		}
		return s.flush(ctx, tx, user)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return result.Fail[RegisterResponse](result.Conflict("email already registered")), nil
	}
	if err != nil {
		return zero, fmt.Errorf("register: persist: %w", err)
	}

	subject, body := email.VerificationMessage(name, code, s.otpValidity)
	if err := s.mail.Send(context.WithoutCancel(ctx), addr, subject, body); err != nil {
		metrics.EmailFailuresTotal.Inc()
		s.log.Warn("verification email not sent",
			zap.String("user_id", user.ID()),
			zap.String("email", addr),
			zap.Error(err),
		)
	}

	s.log.Info("user registered", zap.String("user_id", user.ID()), zap.String("email", addr))
	return result.OK(RegisterResponse{
		UserID:       user.ID(),
		Email:        addr,
		Status:       user.Status(),
		OtpExpiresAt: otp.ExpiresAt(),
	}), nil
}

// Verify consumes an OTP, binds the user to the identity provider and
// activates it. Verifying an already active user succeeds without touching
// the code or the provider.
func (s *Service) Verify(ctx context.Context, cmd VerifyCommand) (result.Result[VerifyResponse], error) {
	res, err := s.verify(ctx, cmd)
	observe(metrics.VerificationsTotal, res.Code(), err)
	return res, err
}

func (s *Service) verify(ctx context.Context, cmd VerifyCommand) (result.Result[VerifyResponse], error) {
	var zero result.Result[VerifyResponse]
	if f := validate.Struct(cmd); f != nil {
		return result.Fail[VerifyResponse](f), nil
	}
	addr := model.NormalizeEmail(cmd.Email)
	code := strings.TrimSpace(cmd.Code)
	now := s.clock.Now()

	otp, err := s.otps.GetByEmailAndCode(ctx, addr, code)
	if err != nil {
		return zero, fmt.Errorf("verify: load otp: %w", err)
	}
	if otp == nil {
		return result.Fail[VerifyResponse](result.OtpInvalid("invalid code")), nil
	}
	if otp.IsExpired(now) {
		return result.Fail[VerifyResponse](result.OtpExpired("code expired")), nil
	}

	user, err := s.users.GetByEmail(ctx, addr)
	if err != nil {
		return zero, fmt.Errorf("verify: load user: %w", err)
	}
	if user == nil || user.IsDeleted() {
		return result.Fail[VerifyResponse](result.NotFound("user not found")), nil
	}

	if ref, ok := user.ExternalRef(); ok && user.IsActive() {
		return result.OK(verifyResponse(user, ref, true)), nil
	}

	ref, hasRef := user.ExternalRef()
	if !hasRef {
		ref, err = s.ensureIdentity(ctx, user)
		if err != nil {
			s.log.Warn("identity provider failed",
				zap.String("user_id", user.ID()), zap.Error(err))
			return result.Fail[VerifyResponse](result.ExternalService("identity provider unavailable")), nil
		}
	}

	if err := otp.MarkUsed(); err != nil {
		return result.Fail[VerifyResponse](result.OtpInvalid("code already used")), nil
	}
	if err := user.SetExternalRef(ref, now); err != nil {
		return result.Fail[VerifyResponse](result.Unexpected(err.Error())), nil
	}
	if err := user.Activate(now); err != nil {
		return result.Fail[VerifyResponse](result.Unexpected(err.Error())), nil
	}

	err = s.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.users.Update(ctx, tx, user); err != nil {
			return err
		}
		if err := s.otps.MarkUsed(ctx, tx, otp); err != nil {
			return err
		}
		return s.flush(ctx, tx, user)
	})
	if errors.Is(err, model.ErrOtpAlreadyUsed) {
		return result.Fail[VerifyResponse](result.OtpInvalid("code already used")), nil
	}
	if err != nil {
		return zero, fmt.Errorf("verify: persist: %w", err)
	}

	s.log.Info("user verified", zap.String("user_id", user.ID()), zap.String("external_ref", ref))
	return result.OK(verifyResponse(user, ref, false)), nil
}

// ensureIdentity returns the provider reference for user, creating the
// account when the provider does not know the email yet. Looking up first
// keeps a retry after a crash from creating a second account.
func (s *Service) ensureIdentity(ctx context.Context, user *model.User) (string, error) {
	ref, found, err := s.identity.FindByEmail(ctx, user.Email())
	if err != nil {
		return "", err
	}
	if found {
		return ref, nil
	}

	ref, err = s.identity.CreateUser(ctx, user.Email(), user.Name())
	if errors.Is(err, identity.ErrUserExists) {
		ref, found, err = s.identity.FindByEmail(ctx, user.Email())
		if err == nil && !found {
			err = errors.New("identity provider reported existing user but lookup found none")
		}
	}
	return ref, err
}

func verifyResponse(u *model.User, ref string, already bool) VerifyResponse {
	return VerifyResponse{
		UserID:          u.ID(),
		Email:           u.Email(),
		Status:          u.Status(),
		ExternalRef:     ref,
		AlreadyVerified: already,
	}
}

// Sync upserts a user known to the identity provider. A reference and an
// email that resolve to two different users are a conflict.
func (s *Service) Sync(ctx context.Context, cmd SyncCommand) (result.Result[SyncResponse], error) {
	res, err := s.sync(ctx, cmd)
	observe(metrics.SyncsTotal, res.Code(), err)
	return res, err
}

func (s *Service) sync(ctx context.Context, cmd SyncCommand) (result.Result[SyncResponse], error) {
	var zero result.Result[SyncResponse]
	if f := validate.Struct(cmd); f != nil {
		return result.Fail[SyncResponse](f), nil
	}
	addr := model.NormalizeEmail(cmd.Email)
	name := strings.TrimSpace(cmd.Name)
	ref := strings.TrimSpace(cmd.ExternalRef)
	now := s.clock.Now()

	byRef, err := s.users.GetByExternalRef(ctx, ref)
	if err != nil {
		return zero, fmt.Errorf("sync: load by ref: %w", err)
	}
	byEmail, err := s.users.GetByEmail(ctx, addr)
	if err != nil {
		return zero, fmt.Errorf("sync: load by email: %w", err)
	}
	if byRef != nil && byEmail != nil && byRef.ID() != byEmail.ID() {
		return result.Fail[SyncResponse](result.Conflict("identity mismatch")), nil
	}

	user := byRef
	if user == nil {
		user = byEmail
	}

	created := user == nil
	if created {
		user, err = model.NewSyncedUser(s.newID(), addr, name, ref, now)
		if err != nil {
			return result.Fail[SyncResponse](result.Validation(err.Error(), nil)), nil
		}
	} else {
		if err := user.SetExternalRef(ref, now); err != nil {
			return result.Fail[SyncResponse](result.Conflict("identity mismatch")), nil
		}
		if err := user.UpdateName(name, now); err != nil {
			return result.Fail[SyncResponse](result.Validation(err.Error(), nil)), nil
		}
	}

	err = s.tx.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if created {
			err = s.users.Insert(ctx, tx, user)
		} else {
			err = s.users.Update(ctx, tx, user)
		}
		if err != nil {
			return err
		}
		return s.flush(ctx, tx, user)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return result.Fail[SyncResponse](result.Conflict("identity mismatch")), nil
	}
	if err != nil {
		return zero, fmt.Errorf("sync: persist: %w", err)
	}

	ext, _ := user.ExternalRef()
	return result.OK(SyncResponse{
		UserID:      user.ID(),
		Email:       user.Email(),
		Name:        user.Name(),
		Status:      user.Status(),
		ExternalRef: ext,
		Created:     created,
	}), nil
}

// flush moves the aggregate's pending events into the outbox within tx.
func (s *Service) flush(ctx context.Context, tx *sqlx.Tx, u *model.User) error {
	events := u.PullEvents()
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.OutboxEvent, 0, len(events))
	for _, e := range events {
		row, err := model.NewOutboxEvent(s.newID(), e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.outbox.Insert(ctx, tx, rows...)
}

func observe(vec *prometheus.CounterVec, code result.Code, err error) {
	switch {
	case err != nil:
		vec.WithLabelValues("error").Inc()
	case code == "":
		vec.WithLabelValues("ok").Inc()
	default:
		vec.WithLabelValues(code.String()).Inc()
	}
}
