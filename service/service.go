package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/peoplepeeper/quota/limiters"
	"github.com/peoplepeeper/quota/models"
)

// IdentityKind distinguishes anonymous devices from authenticated accounts
type IdentityKind string

const (
	GuestIdentityKind   IdentityKind = "guest"
	AccountIdentityKind IdentityKind = "account"
)

// Identity is the unit quota is tracked against: an opaque device
// fingerprint, or an account. Admin is decided once at authentication time
// and carried here; it is never re-derived inside the engine.
type Identity struct {
	Kind      IdentityKind
	DeviceID  string
	AccountID string
	Admin     bool
}

// GuestIdentity builds an identity for an anonymous device fingerprint
func GuestIdentity(deviceID string) Identity {
	return Identity{Kind: GuestIdentityKind, DeviceID: deviceID}
}

// AccountIdentity builds an identity for an authenticated account
func AccountIdentity(accountID string, admin bool) Identity {
	return Identity{Kind: AccountIdentityKind, AccountID: accountID, Admin: admin}
}

// Decision is the outcome of evaluating an identity's quota. Remaining is
// meaningless when Unlimited is set. ResetIn is a hint only; zero means no
// reset boundary applies.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Unlimited bool
	ResetIn   time.Duration
}

// ProfileStore reads and mutates account profiles
type ProfileStore interface {
	GetProfile(ctx context.Context, accountID string) (*models.Profile, error)
	IncrementChecksUsed(ctx context.Context, accountID string) error
}

// SearchStore reads and mutates the append-only search history
type SearchStore interface {
	CountSince(ctx context.Context, accountID string, since time.Time) (int64, error)
	Insert(ctx context.Context, search *models.Search) error
	DeleteSince(ctx context.Context, accountID string, since time.Time) (int64, error)
}

// PlanStore resolves a plan identifier to its quota policy
type PlanStore interface {
	GetPolicy(ctx context.Context, planID string) (limiters.Policy, error)
}

// Notifier receives quota transitions for user-facing surfaces. Denied
// fires when an attempt is refused; Exhausted fires on the consuming call
// that brings remaining to zero.
type Notifier interface {
	QuotaDenied(ctx context.Context, identity Identity)
	QuotaExhausted(ctx context.Context, identity Identity)
}

// NopNotifier discards all notifications
type NopNotifier struct{}

func (NopNotifier) QuotaDenied(context.Context, Identity)    {}
func (NopNotifier) QuotaExhausted(context.Context, Identity) {}

// Service handles the entitlement logic
type Service struct {
	profiles    ProfileStore
	searches    SearchStore
	plans       PlanStore
	guest       *limiters.GuestLimiter
	guestPolicy limiters.Policy
	notifier    Notifier
	policyCache *xsync.MapOf[string, limiters.Policy]
	logger      zerolog.Logger
}

// Option configures the service
type Option func(*Service)

// WithNotifier sets the notification sink
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithGuestPolicy overrides the rolling window applied to guest devices
func WithGuestPolicy(p limiters.Policy) Option {
	return func(s *Service) {
		s.guestPolicy = p
	}
}

// WithLogger sets the service logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new entitlement service
func NewService(profiles ProfileStore, searches SearchStore, plans PlanStore, guestStore limiters.Store, opts ...Option) *Service {
	s := &Service{
		profiles:    profiles,
		searches:    searches,
		plans:       plans,
		guest:       limiters.NewGuestLimiter(guestStore),
		guestPolicy: limiters.DefaultGuestPolicy,
		notifier:    NopNotifier{},
		policyCache: xsync.NewMapOf[string, limiters.Policy](),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// todayUTCStart returns the start of the current UTC calendar day
func todayUTCStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Evaluate decides whether the identity may perform another check and how
// many remain in the current window. Store errors surface to the caller;
// callers must treat an error as a denial.
func (s *Service) Evaluate(ctx context.Context, identity Identity) (Decision, error) {
	// Administrative bypass takes precedence over all plan logic and
	// never touches a store.
	if identity.Admin {
		return Decision{Allowed: true, Unlimited: true}, nil
	}

	switch identity.Kind {
	case GuestIdentityKind:
		gd, err := s.guest.Evaluate(ctx, identity.DeviceID, s.guestPolicy)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluating guest window: %w", err)
		}
		return Decision{Allowed: gd.Allowed, Limit: s.guestPolicy.Limit, Remaining: gd.Remaining, ResetIn: gd.ResetIn}, nil
	case AccountIdentityKind:
		return s.evaluateAccount(ctx, identity.AccountID)
	default:
		return Decision{}, fmt.Errorf("unknown identity kind: %s", identity.Kind)
	}
}

func (s *Service) evaluateAccount(ctx context.Context, accountID string) (Decision, error) {
	profile, err := s.profiles.GetProfile(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("getting profile: %w", err)
	}

	policy, err := s.getPolicy(ctx, profile.Plan)
	if err != nil {
		return Decision{}, fmt.Errorf("getting plan policy: %w", err)
	}

	return s.decideAccount(ctx, profile, policy)
}

func (s *Service) decideAccount(ctx context.Context, profile *models.Profile, policy limiters.Policy) (Decision, error) {
	now := time.Now()

	switch policy.Kind {
	case limiters.NoWindow:
		return Decision{Allowed: true, Unlimited: true}, nil

	case limiters.LifetimeCycle:
		// Usage-by-cycle is derived from the lifetime counter, not
		// from search rows; the cycle wraps by modulo.
		used := profile.ChecksUsed % policy.Limit
		return Decision{
			Allowed:   used < policy.Limit,
			Limit:     policy.Limit,
			Remaining: policy.Limit - used,
		}, nil

	case limiters.CalendarDay:
		dayStart := todayUTCStart(now)
		count, err := s.searches.CountSince(ctx, profile.ID, dayStart)
		if err != nil {
			return Decision{}, fmt.Errorf("counting daily searches: %w", err)
		}
		remaining := policy.Limit - count
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Allowed:   count < policy.Limit,
			Limit:     policy.Limit,
			Remaining: remaining,
			ResetIn:   dayStart.Add(24 * time.Hour).Sub(now.UTC()),
		}, nil

	default:
		return Decision{}, fmt.Errorf("plan %q has unsupported window kind %q", profile.Plan, policy.Kind)
	}
}

// Consume attempts to record one unit of usage. It re-evaluates the quota
// immediately before mutating and returns false, without mutating, when
// the identity is not allowed. A store failure is returned as an error and
// must be treated as a denial.
func (s *Service) Consume(ctx context.Context, identity Identity) (bool, error) {
	// Admin usage is not metered.
	if identity.Admin {
		return true, nil
	}

	switch identity.Kind {
	case GuestIdentityKind:
		// Check and increment happen as one step under the store lock.
		gd, err := s.guest.CheckAndIncrement(ctx, identity.DeviceID, s.guestPolicy)
		if err != nil {
			return false, fmt.Errorf("consuming guest window: %w", err)
		}
		if !gd.Allowed {
			s.notifier.QuotaDenied(ctx, identity)
			return false, nil
		}
		if gd.Remaining == 0 {
			s.notifier.QuotaExhausted(ctx, identity)
		}
		return true, nil

	case AccountIdentityKind:
		decision, err := s.evaluateAccount(ctx, identity.AccountID)
		if err != nil {
			return false, err
		}
		if !decision.Allowed {
			s.notifier.QuotaDenied(ctx, identity)
			return false, nil
		}

		// The increment must land before the caller proceeds: the
		// subsequent history insert is what the next evaluation of a
		// daily plan will count.
		if err := s.profiles.IncrementChecksUsed(ctx, identity.AccountID); err != nil {
			return false, fmt.Errorf("incrementing checks used: %w", err)
		}
		if !decision.Unlimited && decision.Remaining == 1 {
			s.notifier.QuotaExhausted(ctx, identity)
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown identity kind: %s", identity.Kind)
	}
}

// RecordSearchHistory appends one search row for an account identity.
// Failure is non-fatal for the search that already consumed quota: it is
// logged and reported through the return value only.
func (s *Service) RecordSearchHistory(ctx context.Context, identity Identity, query string, resultCount int) bool {
	if identity.Kind != AccountIdentityKind {
		return false
	}

	search := &models.Search{
		ID:          uuid.NewString(),
		UserID:      identity.AccountID,
		Query:       query,
		ResultCount: resultCount,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.searches.Insert(ctx, search); err != nil {
		s.logger.Warn().
			Err(err).
			Str("account_id", identity.AccountID).
			Msg("recording search history failed")
		return false
	}
	return true
}

// ResetDailyWindow deletes the account's search rows for the current UTC
// day, restoring a daily plan's quota. The lifetime counter is untouched.
// Errors surface verbatim; this is an explicit administrative action.
func (s *Service) ResetDailyWindow(ctx context.Context, accountID string) error {
	deleted, err := s.searches.DeleteSince(ctx, accountID, todayUTCStart(time.Now()))
	if err != nil {
		return fmt.Errorf("deleting daily searches: %w", err)
	}
	s.logger.Info().
		Str("account_id", accountID).
		Int64("deleted", deleted).
		Msg("daily window reset")
	return nil
}

// getPolicy resolves a plan's policy, caching per plan id
func (s *Service) getPolicy(ctx context.Context, planID string) (limiters.Policy, error) {
	if cached, ok := s.policyCache.Load(planID); ok {
		return cached, nil
	}

	policy, err := s.plans.GetPolicy(ctx, planID)
	if err != nil {
		return limiters.Policy{}, err
	}

	s.policyCache.Store(planID, policy)
	return policy, nil
}

// InvalidatePolicyCache drops cached plan policies, forcing the next
// evaluation to re-read them. Called after administrative plan changes.
func (s *Service) InvalidatePolicyCache() {
	s.policyCache.Clear()
}
