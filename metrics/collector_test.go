package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grasplet-dashboard/exporter/config"
	"github.com/grasplet-dashboard/exporter/grasplet"
	"github.com/grasplet-dashboard/exporter/poller"
)

type stubRefresher struct {
	sims []grasplet.SIM
	err  error
}

func (s *stubRefresher) Refresh(ctx context.Context) ([]grasplet.SIM, error) {
	return s.sims, s.err
}

func (s *stubRefresher) Shutdown() error { return nil }

func boat() grasplet.SIM {
	return grasplet.SIM{
		ID:     "7",
		Name:   "Boat",
		ICCID:  "8944",
		Status: "active",
		PlanUsageDetails: []grasplet.PlanUsage{{
			Plan: grasplet.Plan{
				PlanName:   "Global",
				DataLimit:  grasplet.NewNumber(100),
				ExpiryDate: "2026-11-30T00:00:00Z",
			},
			Usage: grasplet.Usage{
				Data:             grasplet.NewNumber(25),
				DataUnit:         "MB",
				AvailabilityZone: "Worldwide",
			},
		}},
	}
}

func setup(t *testing.T, src *stubRefresher) (*Collector, *poller.Runner) {
	t.Helper()
	reg := poller.NewRegistry(func(grasplet.Credentials) poller.Refresher { return src })
	require.NoError(t, reg.Setup(config.Entry{
		ID:          "entry-1",
		Title:       "Grasplet (alice)",
		Credentials: grasplet.Credentials{Username: "alice", Password: "pw", PollIntervalHours: 24},
	}))
	runner, ok := reg.Get("entry-1")
	require.True(t, ok)
	return NewCollector(reg), runner
}

func TestCollectorExportsSensorValues(t *testing.T) {
	src := &stubRefresher{sims: []grasplet.SIM{boat()}}
	c, runner := setup(t, src)
	require.NoError(t, runner.Refresh(context.Background()))

	expected := `
# HELP grasplet_sim_data_remaining_gigabytes Data Remaining of the SIM plan
# TYPE grasplet_sim_data_remaining_gigabytes gauge
grasplet_sim_data_remaining_gigabytes{entry="entry-1",sim_id="7",sim_name="Boat"} 0.0244140625
# HELP grasplet_sim_data_limit_gigabytes Data Limit of the SIM plan
# TYPE grasplet_sim_data_limit_gigabytes gauge
grasplet_sim_data_limit_gigabytes{entry="entry-1",sim_id="7",sim_name="Boat"} 100
# HELP grasplet_sim_expiry_date_timestamp_seconds Expiry Date of the SIM plan
# TYPE grasplet_sim_expiry_date_timestamp_seconds gauge
grasplet_sim_expiry_date_timestamp_seconds{entry="entry-1",sim_id="7",sim_name="Boat"} 1.7959968e+09
# HELP grasplet_sim_info SIM attributes as labels, always 1
# TYPE grasplet_sim_info gauge
grasplet_sim_info{availability_zone="Worldwide",entry="entry-1",iccid="8944",plan_name="Global",sim_id="7",sim_name="Boat",status="active"} 1
# HELP grasplet_update_success Whether the last refresh of the account succeeded
# TYPE grasplet_update_success gauge
grasplet_update_success{entry="entry-1"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"grasplet_sim_data_remaining_gigabytes",
		"grasplet_sim_data_limit_gigabytes",
		"grasplet_sim_expiry_date_timestamp_seconds",
		"grasplet_sim_info",
		"grasplet_update_success",
	)
	assert.NoError(t, err)

	assert.Equal(t, 1, testutil.CollectAndCount(c, "grasplet_sim_data_usage_percent"))
}

func TestCollectorKeepsStaleValuesAfterFailure(t *testing.T) {
	src := &stubRefresher{sims: []grasplet.SIM{boat()}}
	c, runner := setup(t, src)
	require.NoError(t, runner.Refresh(context.Background()))

	src.err = grasplet.ErrUpdateFailed
	assert.Error(t, runner.Refresh(context.Background()))

	expected := `
# HELP grasplet_update_success Whether the last refresh of the account succeeded
# TYPE grasplet_update_success gauge
grasplet_update_success{entry="entry-1"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "grasplet_update_success"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "grasplet_sim_data_remaining_gigabytes"))
}

func TestCollectorBeforeFirstRefresh(t *testing.T) {
	src := &stubRefresher{err: errors.New("unused")}
	c, _ := setup(t, src)

	assert.Equal(t, 0, testutil.CollectAndCount(c, "grasplet_sim_info"))
	assert.Equal(t, 0, testutil.CollectAndCount(c, "grasplet_sims"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "grasplet_authentication_failed"))
}

func TestCollectorSkipsUnknownValues(t *testing.T) {
	sim := boat()
	sim.PlanUsageDetails[0].Plan.DataLimit = grasplet.NewNumber(0)
	sim2 := boat()
	sim2.ID = "8"
	sim2.PlanUsageDetails = nil

	src := &stubRefresher{sims: []grasplet.SIM{sim, sim2, sim}}
	c, runner := setup(t, src)
	require.NoError(t, runner.Refresh(context.Background()))

	assert.Equal(t, 0, testutil.CollectAndCount(c, "grasplet_sim_data_usage_percent"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "grasplet_sim_data_remaining_gigabytes"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "grasplet_sim_info"), "duplicate SIM ids are exported once")
}
