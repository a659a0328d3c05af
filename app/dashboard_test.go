package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velariq/tokengate/app"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/usage"
)

func TestDashboard_View(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seed(t, "a@example.com", "viq_a", 100000, 0, account.StatusActive)
	_, err := h.meter.Charge(ctx, a.ID, 100, usage.OpWorkflowCreate)
	require.NoError(t, err)
	_, err = h.meter.Charge(ctx, a.ID, 24900, usage.OpWorkflowRun)
	require.NoError(t, err)

	d, err := h.auth.Authorize(ctx, "viq_a")
	require.NoError(t, err)

	dash := app.NewDashboard(h.store, h.sync.Plans, h.clock)
	view, err := dash.View(ctx, d)
	require.NoError(t, err)

	assert.Equal(t, "a@example.com", view.Email)
	assert.Equal(t, "Starter", view.Plan)
	assert.Equal(t, 149, view.Price)
	assert.Equal(t, int64(75000), view.TokenBalance)
	assert.Equal(t, int64(100000), view.MaxTokens)
	assert.Equal(t, 75, view.TokenPercentage)
	assert.Equal(t, "none", view.WarningLevel)
	assert.Equal(t, "active", view.Status)
	assert.Equal(t, "5 workflows", view.WorkflowLimit)
	assert.Equal(t, map[string]int64{
		usage.OpWorkflowCreate: 100,
		usage.OpWorkflowRun:    24900,
	}, view.UsageByOperation)
}

func TestDashboard_CustomerID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seed(t, "a@example.com", "viq_a", 1000, 0, account.StatusActive)
	dash := app.NewDashboard(h.store, h.sync.Plans, h.clock)

	id, err := dash.CustomerID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "cus_"+a.ID, id)

	_, err = dash.CustomerID(ctx, "acc_missing")
	assert.ErrorIs(t, err, access.ErrForbidden)
}
