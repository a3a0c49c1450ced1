package users

import (
	"context"
	"errors"

	"github.com/jmehdipour/onboarding/internal/result"
	"github.com/jmehdipour/onboarding/internal/service/idempotency"
)

// Operation names stored with idempotency records.
const (
	OpRegister = "users.register"
	OpVerify   = "users.verify"
)

// Guarded exposes Register and Verify behind the idempotency guard.
type Guarded struct {
	svc   *Service
	guard *idempotency.Guard
}

func NewGuarded(svc *Service, guard *idempotency.Guard) *Guarded {
	return &Guarded{svc: svc, guard: guard}
}

func (g *Guarded) Register(ctx context.Context, key string, cmd RegisterCommand) (result.Result[RegisterResponse], error) {
	return guarded(ctx, g.guard, key, OpRegister, func(ctx context.Context) (result.Result[RegisterResponse], error) {
		return g.svc.Register(ctx, cmd)
	})
}

func (g *Guarded) Verify(ctx context.Context, key string, cmd VerifyCommand) (result.Result[VerifyResponse], error) {
	return guarded(ctx, g.guard, key, OpVerify, func(ctx context.Context) (result.Result[VerifyResponse], error) {
		return g.svc.Verify(ctx, cmd)
	})
}

// Sync is a natural upsert and runs unguarded.
func (g *Guarded) Sync(ctx context.Context, cmd SyncCommand) (result.Result[SyncResponse], error) {
	return g.svc.Sync(ctx, cmd)
}

// transientFailure carries a failure the client may retry with the same
// key. Returning it as an error makes the guard mark the key failed instead
// of caching the failure.
type transientFailure[T any] struct {
	res result.Result[T]
}

func (e *transientFailure[T]) Error() string { return e.res.Failure.Error() }

func retryable(c result.Code) bool {
	return c == result.CodeExternalService || c == result.CodeUnexpected
}

func guarded[T any](ctx context.Context, g *idempotency.Guard, key, op string, fn func(context.Context) (result.Result[T], error)) (result.Result[T], error) {
	if key == "" {
		return result.Fail[T](result.Validation("Idempotency-Key is required", map[string][]string{
			"Idempotency-Key": {"is required"},
		})), nil
	}

	res, err := idempotency.Execute(ctx, g, key, op, func(ctx context.Context) (result.Result[T], error) {
		res, err := fn(ctx)
		if err == nil && retryable(res.Code()) {
			return res, &transientFailure[T]{res: res}
		}
		return res, err
	})

	var tf *transientFailure[T]
	if errors.As(err, &tf) {
		return tf.res, nil
	}
	return res, err
}
