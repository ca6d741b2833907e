package protocols

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1withall/nabr/internal/infra"
)

// TokenBinding ties an opaque QR token to its protocol slot.
type TokenBinding struct {
	SubjectID     string    `json:"subject_id"`
	ProtocolRunID string    `json:"protocol_run_id"`
	Slot          int       `json:"slot"` // 1 or 2
	ExpiresAt     time.Time `json:"expires_at"`
	Invalidated   bool      `json:"invalidated"`
}

// TokenStore is the shared QR token store. Keys are opaque 256-bit tokens;
// put-if-absent and invalidate are atomic.
type TokenStore interface {
	PutIfAbsent(ctx context.Context, token string, binding TokenBinding, ttl time.Duration) (bool, error)
	Get(ctx context.Context, token string) (*TokenBinding, error)
	Invalidate(ctx context.Context, token string) error
}

// ErrTokenNotFound is returned by Get for unknown tokens.
var ErrTokenNotFound = errors.New("protocols: token not found")

// NewToken generates a cryptographically independent 256-bit opaque token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// =============================================================================
// IN-MEMORY TOKEN STORE
// =============================================================================

// MemoryTokenStore is the in-process token store for local dev and tests.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*TokenBinding
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*TokenBinding)}
}

func (ts *MemoryTokenStore) PutIfAbsent(ctx context.Context, token string, binding TokenBinding, ttl time.Duration) (bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.tokens[token]; exists {
		return false, nil
	}
	clone := binding
	ts.tokens[token] = &clone
	return true, nil
}

func (ts *MemoryTokenStore) Get(ctx context.Context, token string) (*TokenBinding, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	b, ok := ts.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	clone := *b
	return &clone, nil
}

func (ts *MemoryTokenStore) Invalidate(ctx context.Context, token string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if b, ok := ts.tokens[token]; ok {
		b.Invalidated = true
	}
	return nil
}

// =============================================================================
// REDIS TOKEN STORE
// =============================================================================

// RedisTokenStore keeps QR tokens in Redis with a TTL matching the protocol
// window. SetNX gives the atomic put-if-absent; invalidation rewrites the
// binding with the flag set rather than deleting, so late confirmations get
// a precise "expired" instead of "unknown".
type RedisTokenStore struct {
	adapter *infra.RedisAdapter
	prefix  string
}

func NewRedisTokenStore(adapter *infra.RedisAdapter, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "nabr:qrtoken:"
	}
	return &RedisTokenStore{adapter: adapter, prefix: prefix}
}

func (ts *RedisTokenStore) PutIfAbsent(ctx context.Context, token string, binding TokenBinding, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(binding)
	if err != nil {
		return false, err
	}
	return ts.adapter.SetNX(ctx, ts.prefix+token, raw, ttl)
}

func (ts *RedisTokenStore) Get(ctx context.Context, token string) (*TokenBinding, error) {
	raw, err := ts.adapter.Get(ctx, ts.prefix+token)
	if err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	var b TokenBinding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (ts *RedisTokenStore) Invalidate(ctx context.Context, token string) error {
	b, err := ts.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		return err
	}
	b.Invalidated = true
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ttl := time.Until(b.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ts.adapter.Set(ctx, ts.prefix+token, raw, ttl)
}
