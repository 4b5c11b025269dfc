package admin

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/peoplepeeper/quota/limiters"
	"github.com/peoplepeeper/quota/models"
)

// Plan represents a quota plan configuration
type Plan struct {
	Name      string
	IsDefault bool
	Policy    limiters.Policy
}

// Plans is a map of plan ID to plan configuration
type Plans map[string]Plan

// yamlPolicy mirrors limiters.Policy with a human-readable window
// duration ("24h") instead of nanoseconds.
type yamlPolicy struct {
	Kind   string `yaml:"kind"`
	Window string `yaml:"window"`
	Limit  int64  `yaml:"limit"`
}

type yamlPlan struct {
	Name      string     `yaml:"name"`
	IsDefault bool       `yaml:"is_default"`
	Policy    yamlPolicy `yaml:"policy"`
}

// yamlConfig represents the structure of the YAML configuration file
type yamlConfig struct {
	Plans map[string]yamlPlan `yaml:"plans"`
}

// LoadPlansFromFile loads plans from a YAML file
func LoadPlansFromFile(path string) (Plans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParsePlans(data)
}

// ParsePlans parses a YAML plan catalog
func ParsePlans(data []byte) (Plans, error) {
	var config yamlConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	plans := make(Plans, len(config.Plans))
	for id, raw := range config.Plans {
		policy := limiters.Policy{
			Kind:  limiters.WindowKind(raw.Policy.Kind),
			Limit: raw.Policy.Limit,
		}
		if raw.Policy.Window != "" {
			window, err := time.ParseDuration(raw.Policy.Window)
			if err != nil {
				return nil, fmt.Errorf("plan %q: parsing window: %w", id, err)
			}
			policy.Window = window
		}
		if err := validatePolicy(policy); err != nil {
			return nil, fmt.Errorf("plan %q: %w", id, err)
		}
		plans[id] = Plan{
			Name:      raw.Name,
			IsDefault: raw.IsDefault,
			Policy:    policy,
		}
	}
	return plans, nil
}

func validatePolicy(policy limiters.Policy) error {
	switch policy.Kind {
	case limiters.NoWindow:
		return nil
	case limiters.RollingWindow:
		if policy.Window <= 0 {
			return fmt.Errorf("rolling window requires a positive window")
		}
	case limiters.CalendarDay, limiters.LifetimeCycle:
	default:
		return fmt.Errorf("unknown window kind: %q", policy.Kind)
	}
	if policy.Limit <= 0 {
		return fmt.Errorf("window kind %q requires a positive limit", policy.Kind)
	}
	return nil
}

// ApplyPlans applies the plan configurations to the database
func ApplyPlans(ctx context.Context, db *bun.DB, plans Plans) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Clear existing default plan if we're adding a new one
	for _, plan := range plans {
		if plan.IsDefault {
			_, err = tx.NewUpdate().
				Model((*models.Plan)(nil)).
				Set("is_default = ?", false).
				Where("is_default = ?", true).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("clearing default plan: %w", err)
			}
			break
		}
	}

	for id, plan := range plans {
		policy, err := msgpack.Marshal(plan.Policy)
		if err != nil {
			return fmt.Errorf("encoding policy: %w", err)
		}

		_, err = tx.NewInsert().
			Model(&models.Plan{
				ID:        id,
				Name:      plan.Name,
				Policy:    policy,
				IsDefault: plan.IsDefault,
			}).
			On("CONFLICT (id) DO UPDATE").
			Set("name = EXCLUDED.name").
			Set("policy = EXCLUDED.policy").
			Set("is_default = EXCLUDED.is_default").
			Set("updated_at = ?", time.Now()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upserting plan: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AssignPlan assigns a plan to a profile
func AssignPlan(ctx context.Context, db *bun.DB, accountID, planID string) error {
	exists, err := db.NewSelect().
		Model((*models.Plan)(nil)).
		Where("id = ?", planID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking plan existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("plan %s does not exist", planID)
	}

	_, err = db.NewUpdate().
		Model((*models.Profile)(nil)).
		Set("plan = ?", planID).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return nil
}

// SetRole promotes or demotes a profile's role
func SetRole(ctx context.Context, db *bun.DB, accountID, role string) error {
	if role != models.RoleUser && role != models.RoleAdmin {
		return fmt.Errorf("unknown role: %q", role)
	}

	_, err := db.NewUpdate().
		Model((*models.Profile)(nil)).
		Set("role = ?", role).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return nil
}

// GetProfile gets a profile with its plan policy decoded
func GetProfile(ctx context.Context, db *bun.DB, accountID string) (*models.Profile, *Plan, error) {
	var profile models.Profile
	err := db.NewSelect().
		Model(&profile).
		Where("p.id = ?", accountID).
		Scan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("finding profile: %w", err)
	}

	plan, err := GetPlan(ctx, db, profile.Plan)
	if err != nil {
		return nil, nil, err
	}
	return &profile, plan, nil
}

// ListPlans lists all available plans
func ListPlans(ctx context.Context, db *bun.DB) (Plans, error) {
	var dbPlans []models.Plan
	err := db.NewSelect().
		Model(&dbPlans).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}

	plans := make(Plans)
	for _, dbPlan := range dbPlans {
		var policy limiters.Policy
		if err := msgpack.Unmarshal(dbPlan.Policy, &policy); err != nil {
			return nil, fmt.Errorf("unmarshaling policy: %w", err)
		}
		plans[dbPlan.ID] = Plan{
			Name:      dbPlan.Name,
			IsDefault: dbPlan.IsDefault,
			Policy:    policy,
		}
	}
	return plans, nil
}

// DeletePlan deletes a plan if it's not in use
func DeletePlan(ctx context.Context, db *bun.DB, planID string) error {
	exists, err := db.NewSelect().
		Model((*models.Profile)(nil)).
		Where("plan = ?", planID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking plan usage: %w", err)
	}
	if exists {
		return fmt.Errorf("plan is in use by one or more profiles")
	}

	_, err = db.NewDelete().
		Model((*models.Plan)(nil)).
		Where("id = ?", planID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deleting plan: %w", err)
	}
	return nil
}

// SetDefaultPlan sets a plan as the default for new profiles
func SetDefaultPlan(ctx context.Context, db *bun.DB, planID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := tx.NewSelect().
		Model((*models.Plan)(nil)).
		Where("id = ?", planID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking plan existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("plan %s does not exist", planID)
	}

	_, err = tx.NewDelete().
		Model((*models.DefaultPlan)(nil)).
		Where("TRUE").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("clearing default plan: %w", err)
	}

	_, err = tx.NewInsert().
		Model(&models.DefaultPlan{PlanID: planID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("setting default plan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetDefaultPlan gets the current default plan
func GetDefaultPlan(ctx context.Context, db *bun.DB) (*Plan, error) {
	var defaultPlan models.DefaultPlan
	err := db.NewSelect().
		Model(&defaultPlan).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding default plan: %w", err)
	}
	return GetPlan(ctx, db, defaultPlan.PlanID)
}

// GetPlan gets a plan by ID
func GetPlan(ctx context.Context, db *bun.DB, planID string) (*Plan, error) {
	var dbPlan models.Plan
	err := db.NewSelect().
		Model(&dbPlan).
		Where("id = ?", planID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding plan: %w", err)
	}

	var policy limiters.Policy
	if err := msgpack.Unmarshal(dbPlan.Policy, &policy); err != nil {
		return nil, fmt.Errorf("unmarshaling policy: %w", err)
	}

	return &Plan{
		Name:      dbPlan.Name,
		IsDefault: dbPlan.IsDefault,
		Policy:    policy,
	}, nil
}
