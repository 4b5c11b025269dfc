package limiters

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// WindowKind represents how a policy's window is measured
type WindowKind string

const (
	// RollingWindow limits a count within a fixed duration measured from
	// the first check in the window.
	RollingWindow WindowKind = "rolling"
	// CalendarDay limits a count within the current UTC calendar day.
	CalendarDay WindowKind = "calendar_day"
	// LifetimeCycle limits a count within a repeating cycle derived from a
	// lifetime counter (used modulo limit).
	LifetimeCycle WindowKind = "lifetime_cycle"
	// NoWindow applies no limit at all.
	NoWindow WindowKind = "none"
)

// Policy represents a quota policy attached to a plan
type Policy struct {
	Kind   WindowKind    `json:"kind"`
	Window time.Duration `json:"window,omitempty"`
	Limit  int64         `json:"limit,omitempty"`
}

// Unlimited reports whether the policy never denies.
func (p Policy) Unlimited() bool {
	return p.Kind == NoWindow
}

// DefaultGuestPolicy is the window applied to anonymous devices: three
// checks inside a rolling 24 hours measured from the first check.
var DefaultGuestPolicy = Policy{
	Kind:   RollingWindow,
	Window: 24 * time.Hour,
	Limit:  3,
}

// Store is the key/value port the guest limiter persists through. All
// values are strings; timestamps are RFC 3339. Get returns ("", nil) for a
// missing key so callers can treat absent and empty alike.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Remove(ctx context.Context, keys ...string) error
}

// Fixed key names under which guest window state is persisted.
const (
	keyWindowStart  = "window_start"
	keyCount        = "count"
	keyLimitReached = "limit_reached"
)

func guestKey(deviceID, field string) string {
	return fmt.Sprintf("quota:guest:%s:%s", deviceID, field)
}

// GuestState is the decoded window state for one device.
type GuestState struct {
	WindowStart  time.Time
	Count        int64
	LimitReached bool
}

// GuestDecision is the outcome of evaluating a guest window.
type GuestDecision struct {
	Allowed   bool
	Remaining int64
	ResetIn   time.Duration
}

// GuestLimiter tracks per-device rolling windows in a Store
type GuestLimiter struct {
	store Store
}

// NewGuestLimiter creates a new guest limiter over the given store
func NewGuestLimiter(store Store) *GuestLimiter {
	return &GuestLimiter{store: store}
}

// tryLock attempts to acquire a lock with retries
func (g *GuestLimiter) tryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	const maxRetries = 3
	const retryDelay = 10 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		acquired, err := g.store.SetIfAbsent(ctx, key+":lock", "1", ttl)
		if err != nil {
			return false, fmt.Errorf("acquiring lock: %w", err)
		}
		if acquired {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return false, nil
}

// releaseLock releases a previously acquired lock
func (g *GuestLimiter) releaseLock(ctx context.Context, key string) error {
	return g.store.Remove(ctx, key+":lock")
}

// readState loads the persisted window state for a device. Missing or
// malformed values are treated as no prior record (zero state).
func (g *GuestLimiter) readState(ctx context.Context, deviceID string) (GuestState, error) {
	var state GuestState

	raw, err := g.store.Get(ctx, guestKey(deviceID, keyWindowStart))
	if err != nil {
		return state, fmt.Errorf("reading window start: %w", err)
	}
	if raw == "" {
		return state, nil
	}
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// Tampered or corrupt timestamp resets the window.
		return GuestState{}, nil
	}
	state.WindowStart = start

	raw, err = g.store.Get(ctx, guestKey(deviceID, keyCount))
	if err != nil {
		return GuestState{}, fmt.Errorf("reading count: %w", err)
	}
	if raw != "" {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || count < 0 {
			return GuestState{}, nil
		}
		state.Count = count
	}

	raw, err = g.store.Get(ctx, guestKey(deviceID, keyLimitReached))
	if err != nil {
		return GuestState{}, fmt.Errorf("reading limit flag: %w", err)
	}
	state.LimitReached = raw == "true"

	return state, nil
}

// writeState persists the window state. The TTL is twice the window so
// state survives the full window but does not accumulate forever.
func (g *GuestLimiter) writeState(ctx context.Context, deviceID string, state GuestState, policy Policy) error {
	ttl := 2 * policy.Window
	if err := g.store.Set(ctx, guestKey(deviceID, keyWindowStart), state.WindowStart.UTC().Format(time.RFC3339), ttl); err != nil {
		return fmt.Errorf("writing window start: %w", err)
	}
	if err := g.store.Set(ctx, guestKey(deviceID, keyCount), strconv.FormatInt(state.Count, 10), ttl); err != nil {
		return fmt.Errorf("writing count: %w", err)
	}
	flag := "false"
	if state.LimitReached {
		flag = "true"
	}
	if err := g.store.Set(ctx, guestKey(deviceID, keyLimitReached), flag, ttl); err != nil {
		return fmt.Errorf("writing limit flag: %w", err)
	}
	return nil
}

// decide evaluates the state against the policy at the given instant,
// resetting the window when it has elapsed. Returns the possibly-reset
// state alongside the decision.
func decide(state GuestState, policy Policy, now time.Time) (GuestDecision, GuestState) {
	if state.WindowStart.IsZero() || now.Sub(state.WindowStart) >= policy.Window {
		state = GuestState{WindowStart: now}
	}

	remaining := policy.Limit - state.Count
	if remaining < 0 {
		remaining = 0
	}
	return GuestDecision{
		Allowed:   state.Count < policy.Limit,
		Remaining: remaining,
		ResetIn:   state.WindowStart.Add(policy.Window).Sub(now),
	}, state
}

// Evaluate reports whether a device may perform another check. A device
// with no prior record has its window initialized as a side effect.
func (g *GuestLimiter) Evaluate(ctx context.Context, deviceID string, policy Policy) (GuestDecision, error) {
	state, err := g.readState(ctx, deviceID)
	if err != nil {
		return GuestDecision{}, err
	}

	hadRecord := !state.WindowStart.IsZero()
	decision, state := decide(state, policy, time.Now())

	// Persist initialization or an elapsed-window reset so the window
	// boundary is anchored to the first observed check.
	if !hadRecord || state.Count == 0 && !state.LimitReached {
		if err := g.writeState(ctx, deviceID, state, policy); err != nil {
			return GuestDecision{}, err
		}
	}
	return decision, nil
}

// CheckAndIncrement re-evaluates the window and records one unit of usage
// as a single step under a store lock. Returns the post-increment decision;
// Allowed is false and nothing is mutated when the window is exhausted.
func (g *GuestLimiter) CheckAndIncrement(ctx context.Context, deviceID string, policy Policy) (GuestDecision, error) {
	lockKey := guestKey(deviceID, "window")
	locked, err := g.tryLock(ctx, lockKey, 100*time.Millisecond)
	if err != nil {
		return GuestDecision{}, err
	}
	if !locked {
		return GuestDecision{}, fmt.Errorf("could not acquire lock")
	}
	defer g.releaseLock(ctx, lockKey)

	state, err := g.readState(ctx, deviceID)
	if err != nil {
		return GuestDecision{}, err
	}

	decision, state := decide(state, policy, time.Now())
	if !decision.Allowed {
		return decision, nil
	}

	state.Count++
	if state.Count >= policy.Limit {
		// Sticky flag so a fresh load does not have to re-derive
		// exhaustion from timestamps alone.
		state.LimitReached = true
	}
	if err := g.writeState(ctx, deviceID, state, policy); err != nil {
		return GuestDecision{}, err
	}

	decision.Remaining = policy.Limit - state.Count
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

// Reset clears a device's window state.
func (g *GuestLimiter) Reset(ctx context.Context, deviceID string) error {
	return g.store.Remove(ctx,
		guestKey(deviceID, keyWindowStart),
		guestKey(deviceID, keyCount),
		guestKey(deviceID, keyLimitReached),
	)
}
