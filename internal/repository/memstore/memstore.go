// Package memstore is an in-memory implementation of the repository
// interfaces. Service and worker tests run against it.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/jmoiron/sqlx"
)

// Operation names accepted by FailOn.
const (
	OpUserInsert     = "users.insert"
	OpUserUpdate     = "users.update"
	OpOtpInsert      = "otps.insert"
	OpOtpMarkUsed    = "otps.mark_used"
	OpOutboxInsert   = "outbox.insert"
	OpIdemTryInsert  = "idempotency.try_insert"
	OpIdemComplete   = "idempotency.mark_completed"
	OpOutboxFetch    = "outbox.fetch_pending"
	OpOutboxMarkDone = "outbox.mark_processed"
)

type state struct {
	users  map[string]model.UserSnapshot
	otps   map[string]model.OtpSnapshot
	idem   map[string]model.IdempotencyRecord
	outbox map[string]model.OutboxEvent
}

func (s state) clone() state {
	c := state{
		users:  make(map[string]model.UserSnapshot, len(s.users)),
		otps:   make(map[string]model.OtpSnapshot, len(s.otps)),
		idem:   make(map[string]model.IdempotencyRecord, len(s.idem)),
		outbox: make(map[string]model.OutboxEvent, len(s.outbox)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.otps {
		c.otps[k] = v
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// Store keeps every table in maps. InTx snapshots the tables and restores
// them when fn fails, so tests can observe rollback.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
	fail map[string]error
}

func New() *Store {
	return &Store{
		st: state{
			users:  map[string]model.UserSnapshot{},
			otps:   map[string]model.OtpSnapshot{},
			idem:   map[string]model.IdempotencyRecord{},
			outbox: map[string]model.OutboxEvent{},
		},
		fail: map[string]error{},
	}
}

// FailOn makes the next call of op return err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *Store) injected(op string) error {
	err := s.fail[op]
	delete(s.fail, op)
	return err
}

func (s *Store) Users() *Users             { return &Users{s} }
func (s *Store) Otps() *Otps               { return &Otps{s} }
func (s *Store) Idempotency() *Idempotency { return &Idempotency{s} }
func (s *Store) Outbox() *Outbox           { return &Outbox{s} }

var _ repository.Transactor = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	saved := s.st.clone()
	s.mu.Unlock()

	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.st = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

// Snapshots for assertions.

func (s *Store) AllUsers() []model.UserSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UserSnapshot, 0, len(s.st.users))
	for _, u := range s.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AllOtps() []model.OtpSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OtpSnapshot, 0, len(s.st.otps))
	for _, o := range s.st.otps {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AllOutbox() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEvent, 0, len(s.st.outbox))
	for _, e := range s.st.outbox {
		out = append(out, e)
	}
	sortEvents(out)
	return out
}

func (s *Store) Record(key string) (model.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.idem[key]
	return r, ok
}

func sortEvents(ev []model.OutboxEvent) {
	sort.Slice(ev, func(i, j int) bool {
		if !ev[i].OccurredAt.Equal(ev[j].OccurredAt) {
			return ev[i].OccurredAt.Before(ev[j].OccurredAt)
		}
		return ev[i].ID < ev[j].ID
	})
}

type Users struct{ s *Store }

var _ repository.UsersRepository = (*Users)(nil)

func (r *Users) find(match func(model.UserSnapshot) bool) *model.User {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.st.users {
		if !u.IsDeleted && match(u) {
			return model.RestoreUser(u)
		}
	}
	return nil
}

func (r *Users) GetByID(_ context.Context, id string) (*model.User, error) {
	return r.find(func(u model.UserSnapshot) bool { return u.ID == id }), nil
}

func (r *Users) GetByEmail(_ context.Context, email string) (*model.User, error) {
	email = model.NormalizeEmail(email)
	return r.find(func(u model.UserSnapshot) bool { return u.Email == email }), nil
}

func (r *Users) GetByExternalRef(_ context.Context, ref string) (*model.User, error) {
	return r.find(func(u model.UserSnapshot) bool { return u.ExternalRef != nil && *u.ExternalRef == ref }), nil
}

func (r *Users) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	u, _ := r.GetByEmail(ctx, email)
	return u != nil, nil
}

func (r *Users) Insert(_ context.Context, _ *sqlx.Tx, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpUserInsert); err != nil {
		return err
	}
	snap := u.Snapshot()
	for _, other := range r.s.st.users {
		if other.Email == snap.Email || other.ID == snap.ID {
			return repository.ErrDuplicate
		}
	}
	r.s.st.users[snap.ID] = snap
	return nil
}

func (r *Users) Update(_ context.Context, _ *sqlx.Tx, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpUserUpdate); err != nil {
		return err
	}
	snap := u.Snapshot()
	r.s.st.users[snap.ID] = snap
	return nil
}

type Otps struct{ s *Store }

var _ repository.OtpsRepository = (*Otps)(nil)

func (r *Otps) latest(match func(model.OtpSnapshot) bool) *model.Otp {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.OtpSnapshot
	for _, o := range r.s.st.otps {
		if !match(o) {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = &o
		}
	}
	if best == nil {
		return nil
	}
	return model.RestoreOtp(*best)
}

func (r *Otps) GetByEmailAndCode(_ context.Context, email, code string) (*model.Otp, error) {
	email = model.NormalizeEmail(email)
	return r.latest(func(o model.OtpSnapshot) bool { return o.Email == email && o.Code == code }), nil
}

func (r *Otps) GetLatestByEmail(_ context.Context, email string) (*model.Otp, error) {
	email = model.NormalizeEmail(email)
	return r.latest(func(o model.OtpSnapshot) bool { return o.Email == email }), nil
}

func (r *Otps) Insert(_ context.Context, _ *sqlx.Tx, o *model.Otp) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpOtpInsert); err != nil {
		return err
	}
	snap := o.Snapshot()
	r.s.st.otps[snap.ID] = snap
	return nil
}

func (r *Otps) MarkUsed(_ context.Context, _ *sqlx.Tx, o *model.Otp) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpOtpMarkUsed); err != nil {
		return err
	}
	cur, ok := r.s.st.otps[o.ID()]
	if !ok || cur.Used {
		return model.ErrOtpAlreadyUsed
	}
	cur.Used = true
	r.s.st.otps[o.ID()] = cur
	return nil
}

type Idempotency struct{ s *Store }

var _ repository.IdempotencyRepository = (*Idempotency)(nil)

func (r *Idempotency) TryInsert(_ context.Context, rec model.IdempotencyRecord) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpIdemTryInsert); err != nil {
		return false, err
	}
	if _, ok := r.s.st.idem[rec.Key]; ok {
		return false, nil
	}
	r.s.st.idem[rec.Key] = rec
	return true, nil
}

func (r *Idempotency) Get(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.st.idem[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *Idempotency) Reclaim(_ context.Context, key string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.st.idem[key]
	if !ok || rec.Status != model.IdempotencyFailed {
		return false, nil
	}
	rec.Status = model.IdempotencyInProgress
	rec.CompletedAt = nil
	rec.Result = nil
	r.s.st.idem[key] = rec
	return true, nil
}

func (r *Idempotency) MarkCompleted(_ context.Context, key string, result []byte, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpIdemComplete); err != nil {
		return err
	}
	rec := r.s.st.idem[key]
	rec.Status = model.IdempotencyCompleted
	rec.Result = append([]byte(nil), result...)
	rec.CompletedAt = &at
	r.s.st.idem[key] = rec
	return nil
}

func (r *Idempotency) MarkFailed(_ context.Context, key string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.st.idem[key]
	if !ok || rec.Status != model.IdempotencyInProgress {
		return nil
	}
	rec.Status = model.IdempotencyFailed
	rec.Result = nil
	rec.CompletedAt = &at
	r.s.st.idem[key] = rec
	return nil
}

type Outbox struct{ s *Store }

var _ repository.OutboxRepository = (*Outbox)(nil)

func (r *Outbox) Insert(_ context.Context, _ *sqlx.Tx, events ...model.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpOutboxInsert); err != nil {
		return err
	}
	for _, e := range events {
		r.s.st.outbox[e.ID] = e
	}
	return nil
}

func (r *Outbox) FetchPending(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpOutboxFetch); err != nil {
		return nil, err
	}
	var out []model.OutboxEvent
	for _, e := range r.s.st.outbox {
		if e.ProcessedAt == nil && e.DeadLetteredAt == nil {
			out = append(out, e)
		}
	}
	sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Outbox) MarkProcessed(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpOutboxMarkDone); err != nil {
		return err
	}
	e := r.s.st.outbox[id]
	e.ProcessedAt = &at
	e.LastError = nil
	r.s.st.outbox[id] = e
	return nil
}

func (r *Outbox) MarkFailed(_ context.Context, id, reason string, maxAttempts int, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e := r.s.st.outbox[id]
	e.Attempts++
	e.LastError = &reason
	dead := maxAttempts > 0 && e.Attempts >= maxAttempts
	if dead {
		e.DeadLetteredAt = &at
	}
	r.s.st.outbox[id] = e
	return dead, nil
}
