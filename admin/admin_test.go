package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplepeeper/quota/limiters"
)

func TestParsePlans(t *testing.T) {
	plans, err := ParsePlans([]byte(`
plans:
  free:
    name: Free
    is_default: true
    policy:
      kind: calendar_day
      limit: 3
  premium:
    name: Premium
    policy:
      kind: lifetime_cycle
      limit: 500
  unlimited:
    name: Unlimited
    policy:
      kind: none
  guest:
    name: Guest
    policy:
      kind: rolling
      window: 24h
      limit: 3
`))
	require.NoError(t, err)
	require.Len(t, plans, 4)

	free := plans["free"]
	assert.Equal(t, "Free", free.Name)
	assert.True(t, free.IsDefault)
	assert.Equal(t, limiters.CalendarDay, free.Policy.Kind)
	assert.Equal(t, int64(3), free.Policy.Limit)

	premium := plans["premium"]
	assert.Equal(t, limiters.LifetimeCycle, premium.Policy.Kind)
	assert.Equal(t, int64(500), premium.Policy.Limit)

	assert.Equal(t, limiters.NoWindow, plans["unlimited"].Policy.Kind)

	guest := plans["guest"]
	assert.Equal(t, limiters.RollingWindow, guest.Policy.Kind)
	assert.Equal(t, 24*time.Hour, guest.Policy.Window)
}

func TestParsePlansRejectsUnknownKind(t *testing.T) {
	_, err := ParsePlans([]byte(`
plans:
  weird:
    name: Weird
    policy:
      kind: leaky_bucket
      limit: 5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown window kind")
}

func TestParsePlansRejectsMissingLimit(t *testing.T) {
	_, err := ParsePlans([]byte(`
plans:
  free:
    name: Free
    policy:
      kind: calendar_day
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive limit")
}

func TestParsePlansRejectsRollingWithoutWindow(t *testing.T) {
	_, err := ParsePlans([]byte(`
plans:
  guest:
    name: Guest
    policy:
      kind: rolling
      limit: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive window")
}

func TestParsePlansRejectsBadWindow(t *testing.T) {
	_, err := ParsePlans([]byte(`
plans:
  guest:
    name: Guest
    policy:
      kind: rolling
      window: one-day
      limit: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing window")
}

func TestParsePlansRejectsInvalidYAML(t *testing.T) {
	_, err := ParsePlans([]byte("plans: ["))
	require.Error(t, err)
}
