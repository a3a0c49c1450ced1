package identity

import (
	"context"
	"sync"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/util"
)

// Local is an in-process provider for development and tests.
type Local struct {
	mu    sync.Mutex
	users map[string]string // email -> ref
}

func NewLocal() *Local {
	return &Local{users: map[string]string{}}
}

var _ Provider = (*Local)(nil)

func (l *Local) CreateUser(_ context.Context, email, _ string) (string, error) {
	email = model.NormalizeEmail(email)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.users[email]; ok {
		return "", ErrUserExists
	}
	ref := "local-" + util.NewID()
	l.users[email] = ref
	return ref, nil
}

func (l *Local) FindByEmail(_ context.Context, email string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.users[model.NormalizeEmail(email)]
	return ref, ok, nil
}
