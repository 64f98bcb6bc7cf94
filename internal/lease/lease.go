// Package lease implements the per-export exclusive lease manager
// described in spec.md §4.4: S3 conditional writes as a distributed
// mutex, with background heartbeat renewal and bounded takeover after
// holder death.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nbdstore/nbdstore/internal/logger"
	"github.com/nbdstore/nbdstore/internal/objectstore"
)

// DefaultTTL and DefaultHeartbeatInterval match spec.md §4.4's defaults.
const (
	DefaultTTL               = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	acquireMaxAttempts       = 8
)

// ErrConflict indicates another holder currently owns a live lease.
var ErrConflict = errors.New("lease: conflict")

// ErrLost indicates a previously acquired lease was taken by another
// holder, detected during heartbeat.
var ErrLost = errors.New("lease: lost")

// record is the JSON body stored at locks/{export_name}.
type record struct {
	HolderID  string `json:"holder_id"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// Store is the subset of objectstore.Store the lease manager needs.
// GetWithETag returns the ETag of the exact read it performed, so a
// caller can gate a conditional write on precisely the version it
// observed instead of racing a separate Head call against other
// holders.
type Store interface {
	GetWithETag(ctx context.Context, key string) ([]byte, string, error)
	PutIfAbsent(ctx context.Context, key string, body []byte) (string, error)
	PutIfMatch(ctx context.Context, key string, body []byte, expectedETag string) (string, error)
}

// Manager acquires, renews, and releases per-export leases.
type Manager struct {
	store             Store
	ttl               time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time
}

// Config configures a Manager. Zero values fall back to spec.md's
// defaults.
type Config struct {
	Store             Store
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Manager{
		store:             cfg.Store,
		ttl:               ttl,
		heartbeatInterval: interval,
		now:               time.Now,
	}
}

// Handle represents a held lease and owns its background heartbeat task.
// Callers must call Release when the session ends, and must select on
// Lost() to detect heartbeat failure.
type Handle struct {
	manager    *Manager
	exportName string
	holderID   string

	mu   sync.Mutex
	etag string

	lost   chan struct{}
	lostMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Lost returns a channel closed when the lease is confirmed lost
// (heartbeat failure or takeover by another holder).
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

func lockKey(exportName string) string {
	return fmt.Sprintf("locks/%s", exportName)
}

// Acquire attempts to take the exclusive lease for exportName on behalf
// of holderID, retrying up to acquireMaxAttempts times with jittered
// backoff per spec.md §4.4. Starts a background heartbeat on success.
func (m *Manager) Acquire(ctx context.Context, exportName, holderID string) (*Handle, error) {
	key := lockKey(exportName)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	operation := func() (string, error) {
		etag, err := m.tryAcquireOnce(ctx, key, holderID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return etag, nil
	}

	etag, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(acquireMaxAttempts),
	)
	if err != nil {
		logger.Debug("lease: acquire failed export=%s holder=%s: %v", exportName, holderID, err)
		return nil, ErrConflict
	}

	handleCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		manager:    m,
		exportName: exportName,
		holderID:   holderID,
		etag:       etag,
		lost:       make(chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	logger.Info("lease: acquired export=%s holder=%s", exportName, holderID)
	go h.heartbeatLoop(handleCtx)
	return h, nil
}

// tryAcquireOnce performs one read-then-conditional-write round of the
// acquire protocol described in spec.md §4.4.
func (m *Manager) tryAcquireOnce(ctx context.Context, key, holderID string) (string, error) {
	now := m.now()
	fresh := record{
		HolderID:   holderID,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(m.ttl).UnixMilli(),
	}
	body, err := json.Marshal(fresh)
	if err != nil {
		return "", fmt.Errorf("lease: marshal record: %w", err)
	}

	existing, etag, err := m.store.GetWithETag(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			newEtag, putErr := m.store.PutIfAbsent(ctx, key, body)
			if putErr != nil {
				if errors.Is(putErr, objectstore.ErrPreconditionFailed) {
					return "", fmt.Errorf("lease: lost race on absent key: %w", errRetry)
				}
				return "", fmt.Errorf("lease: put-if-absent: %w", putErr)
			}
			return newEtag, nil
		}
		return "", fmt.Errorf("lease: get lock record: %w", err)
	}

	var current record
	if err := json.Unmarshal(existing, &current); err != nil {
		return "", fmt.Errorf("lease: unmarshal lock record: %w", err)
	}

	expired := now.UnixMilli() >= current.ExpiresAt
	sameHolder := current.HolderID == holderID
	if !expired && !sameHolder {
		return "", ErrConflict
	}

	// Gate the takeover write on the etag observed by this same Get, not
	// a later, separately fetched one: a second racer could re-acquire
	// the lease in the gap between a Get and a subsequent Head, and a
	// Head-sourced etag would then let this write clobber that racer's
	// freshly acquired lease.
	newEtag, err := m.store.PutIfMatch(ctx, key, body, etag)
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return "", fmt.Errorf("lease: lost race on refresh: %w", errRetry)
		}
		return "", fmt.Errorf("lease: put-if-match: %w", err)
	}
	return newEtag, nil
}

var errRetry = errors.New("transient, retry")

// heartbeatLoop renews the lease every heartbeatInterval until the
// handle is released or the lease is lost.
func (h *Handle) heartbeatLoop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.manager.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.renew(ctx); err != nil {
				logger.Warn("lease: heartbeat failed export=%s holder=%s: %v", h.exportName, h.holderID, err)
				h.markLost()
				return
			}
		}
	}
}

func (h *Handle) renew(ctx context.Context) error {
	key := lockKey(h.exportName)
	now := h.manager.now()

	existing, _, err := h.manager.store.GetWithETag(ctx, key)
	if err != nil {
		return err
	}
	var current record
	if err := json.Unmarshal(existing, &current); err != nil {
		return err
	}
	if current.HolderID != h.holderID {
		return ErrLost
	}

	fresh := record{
		HolderID:   h.holderID,
		AcquiredAt: current.AcquiredAt,
		ExpiresAt:  now.Add(h.manager.ttl).UnixMilli(),
	}
	body, err := json.Marshal(fresh)
	if err != nil {
		return err
	}

	h.mu.Lock()
	etag := h.etag
	h.mu.Unlock()

	newEtag, err := h.manager.store.PutIfMatch(ctx, key, body, etag)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.etag = newEtag
	h.mu.Unlock()
	return nil
}

func (h *Handle) markLost() {
	h.lostMu.Lock()
	defer h.lostMu.Unlock()
	select {
	case <-h.lost:
	default:
		close(h.lost)
	}
}

// Release conditionally writes a tombstone record (expires_at = 0) and
// stops the heartbeat task. Failure is logged but not fatal; the lease
// will expire on its own.
func (h *Handle) Release(ctx context.Context) {
	h.cancel()
	<-h.done

	key := lockKey(h.exportName)
	h.mu.Lock()
	etag := h.etag
	h.mu.Unlock()

	tombstone := record{HolderID: h.holderID, AcquiredAt: 0, ExpiresAt: 0}
	body, err := json.Marshal(tombstone)
	if err != nil {
		logger.Warn("lease: marshal tombstone export=%s: %v", h.exportName, err)
		return
	}
	if _, err := h.manager.store.PutIfMatch(ctx, key, body, etag); err != nil {
		logger.Debug("lease: release failed export=%s holder=%s: %v (will expire naturally)", h.exportName, h.holderID, err)
	} else {
		logger.Info("lease: released export=%s holder=%s", h.exportName, h.holderID)
	}
}

// NewHolderID generates a random 128-bit holder identifier.
func NewHolderID() string {
	return uuid.New().String()
}

// jitter returns a random duration in [0, d). Nothing in this package
// calls it; Acquire relies on the backoff library's own jitter alone.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
