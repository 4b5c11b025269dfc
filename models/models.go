package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Plan identifiers for account profiles. Guests have no profile row;
// their window lives entirely in the device key/value store.
const (
	PlanFree      = "free"
	PlanPremium   = "premium"
	PlanUnlimited = "unlimited"
)

// Roles for account profiles. The admin role is decided at authentication
// time and carried on the identity, never re-checked against an email string.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Profile represents a user account in the database
type Profile struct {
	bun.BaseModel `bun:"table:quota.profiles,alias:p"`

	ID         string    `bun:"id,pk,type:uuid"`
	Email      string    `bun:"email,notnull"`
	Plan       string    `bun:"plan,notnull,default:'free'"`
	Role       string    `bun:"role,notnull,default:'user'"`
	ChecksUsed int64     `bun:"checks_used,notnull,default:0"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Search is one completed search for an account identity. Rows are
// append-only except for the administrative daily reset, which deletes
// the current UTC day's rows for one user.
type Search struct {
	bun.BaseModel `bun:"table:quota.searches,alias:s"`

	ID          string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	UserID      string    `bun:"user_id,notnull,type:uuid"`
	Query       string    `bun:"query,notnull"`
	ResultCount int       `bun:"result_count,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Plan represents a quota plan in the database
type Plan struct {
	bun.BaseModel `bun:"table:quota.plan"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Policy    []byte    `bun:"policy,notnull"` // MessagePack encoded policy
	IsDefault bool      `bun:"is_default"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// DefaultPlan represents the current default plan
type DefaultPlan struct {
	bun.BaseModel `bun:"table:quota.default_plan"`

	PlanID    string    `bun:"plan_id,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
