package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	now     func() time.Time
}

type memoryHolder struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]memoryHolder), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	ttl, wait = normalize(ttl, wait)
	token := newToken()
	err := poll(ctx, key, wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.now()
		if h, ok := l.holders[key]; ok && now.Before(h.expires) {
			return false, nil
		}
		l.holders[key] = memoryHolder{token: token, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

// Held reports whether key is currently leased.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[key]
	return ok && l.now().Before(h.expires)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Key() string   { return m.key }
func (m *memoryLease) Token() string { return m.token }

// Release drops the lease when it is still owned by this token.
func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if h, ok := m.locker.holders[m.key]; ok && h.token == m.token {
		delete(m.locker.holders, m.key)
	}
	return nil
}
