package recon

import (
	"context"
	"time"

	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/uuidv7"
)

// defaultLiveWindow bounds the live-truth query: projects untouched longer
// than this are invisible to reconciliation until next edited.
const defaultLiveWindow = 24 * time.Hour

// UsageJob maintains usage_intervals: one open row per (project, license)
// pair while a running project references the license.
type UsageJob struct {
	st     store.Store
	window time.Duration
}

func NewUsageJob(st store.Store, window time.Duration) *UsageJob {
	if window <= 0 {
		window = defaultLiveWindow
	}
	return &UsageJob{st: st, window: window}
}

func (j *UsageJob) Name() string { return "license-usage" }

func (j *UsageJob) LiveTruth(ctx context.Context, now time.Time) (Truth, error) {
	rows, err := j.st.Select(ctx, store.Selection{
		Table:  schema.TableProjects,
		Fields: []string{"project_id", "state", "site_license"},
		Conds: []store.Cond{
			{Field: "last_edited", Op: store.OpGTE, Value: now.Add(-j.window)},
		},
	})
	if err != nil {
		return Truth{}, err
	}

	truth := Truth{Live: make(map[Pair]bool), Visible: make(map[string]bool)}
	for _, row := range rows {
		pid, _ := row["project_id"].(string)
		if pid == "" {
			continue
		}
		truth.Visible[pid] = true
		if state, _ := row["state"].(string); state != "running" {
			continue
		}
		licenses, _ := row["site_license"].(map[string]any)
		for lid := range licenses {
			truth.Live[Pair{Entity: pid, Resource: lid}] = true
		}
	}
	return truth, nil
}

func (j *UsageJob) OpenIntervals(ctx context.Context) (map[Pair]bool, error) {
	rows, err := j.st.Select(ctx, store.Selection{
		Table:  schema.TableUsageIntervals,
		Fields: []string{"entity_id", "resource_id"},
		Conds:  []store.Cond{{Field: "stop", Op: store.OpIsNull}},
	})
	if err != nil {
		return nil, err
	}
	open := make(map[Pair]bool, len(rows))
	for _, row := range rows {
		eid, _ := row["entity_id"].(string)
		rid, _ := row["resource_id"].(string)
		open[Pair{Entity: eid, Resource: rid}] = true
	}
	return open, nil
}

func (j *UsageJob) OpenInterval(ctx context.Context, p Pair, now time.Time) (bool, error) {
	return j.st.InsertIfAbsent(ctx, schema.TableUsageIntervals,
		[]store.Cond{
			{Field: "entity_id", Op: store.OpEq, Value: p.Entity},
			{Field: "resource_id", Op: store.OpEq, Value: p.Resource},
			{Field: "stop", Op: store.OpIsNull},
		},
		store.Row{
			"id":          uuidv7.MustNewString(),
			"entity_id":   p.Entity,
			"resource_id": p.Resource,
			"start":       now,
		})
}

func (j *UsageJob) CloseInterval(ctx context.Context, p Pair, now time.Time) (int, error) {
	return j.st.UpdateWhere(ctx, schema.TableUsageIntervals,
		[]store.Cond{
			{Field: "entity_id", Op: store.OpEq, Value: p.Entity},
			{Field: "resource_id", Op: store.OpEq, Value: p.Resource},
			{Field: "stop", Op: store.OpIsNull},
		},
		store.Row{"stop": now})
}
