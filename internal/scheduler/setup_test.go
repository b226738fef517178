package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/require"
	"taskfarm/internal/config"
	"taskfarm/internal/estimator"
	"taskfarm/internal/ledger"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/registry"
	"taskfarm/internal/store"
)

const gi = int64(1) << 30

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

var schedulerConf = config.SchedulerConfig{
	OfflineAfter:    20 * time.Minute,
	MinEtaFloor:     time.Minute,
	EtaMargin:       1.005,
	DefaultDuration: 24 * time.Hour,
	ClaimAttempts:   3,
}

type fixture struct {
	st         *store.MemoryStore
	metrics    *metrics.Metrics
	registry   *registry.Registry
	matcher    *Matcher
	dispatcher *Dispatcher
	requester  *Requester
	templates  map[string]*models.JobTemplate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	m := metrics.NewNop()
	est := estimator.NewEstimator(st, schedulerConf.DefaultDuration, m)
	reg := registry.NewRegistry(st, schedulerConf.OfflineAfter)
	l := ledger.NewLedger(st, nil, est, m)

	matcher := NewMatcher(st, est, schedulerConf)
	matcher.now = func() time.Time { return now }

	return &fixture{
		st:         st,
		metrics:    m,
		registry:   reg,
		matcher:    matcher,
		dispatcher: NewDispatcher(st, reg, matcher, l, m, schedulerConf.ClaimAttempts),
		requester:  NewRequester(st, m),
		templates:  make(map[string]*models.JobTemplate),
	}
}

// template creates a template with a default duration estimate, zero meaning none
func (f *fixture) template(t *testing.T, name string, res models.Resources, estimate time.Duration) *models.JobTemplate {
	t.Helper()

	tpl := &models.JobTemplate{
		Name:        name,
		Periodicity: models.PeriodicityManually,
		Enabled:     true,
		Offliner:    "mwoffliner",
		Resources:   res,
	}
	require.NoError(t, f.st.CreateTemplate(context.Background(), tpl))
	if estimate > 0 {
		require.NoError(t, f.st.UpsertEstimate(context.Background(), models.DurationEstimate{
			TemplateID: tpl.ID,
			Seconds:    int64(estimate.Seconds()),
			MeasuredOn: now,
		}))
	}
	f.templates[name] = tpl
	return tpl
}

func (f *fixture) pending(t *testing.T, id string, tpl *models.JobTemplate, priority int, createdAt time.Time) {
	t.Helper()

	require.NoError(t, f.st.CreateRequestedTask(context.Background(), &models.RequestedTask{
		ID:           id,
		TemplateID:   tpl.ID,
		TemplateName: tpl.Name,
		Offliner:     tpl.Offliner,
		Resources:    tpl.Resources,
		Priority:     priority,
		CreatedAt:    createdAt,
	}))
}

func (f *fixture) running(t *testing.T, id string, tpl *models.JobTemplate, worker string, startedAgo time.Duration) {
	t.Helper()

	task := models.NewTaskFromRequest(&models.RequestedTask{
		ID:           id,
		TemplateID:   tpl.ID,
		TemplateName: tpl.Name,
		Offliner:     tpl.Offliner,
		Resources:    tpl.Resources,
	}, worker, now.Add(-startedAgo-time.Minute))
	task.Status = models.StatusStarted
	task.Timestamps = append(task.Timestamps, models.StatusTimestamp{Status: models.StatusStarted, Timestamp: now.Add(-startedAgo)})
	f.st.PutTask(task)
}

func (f *fixture) worker(t *testing.T, name string, capacity models.Resources) *models.Worker {
	t.Helper()

	w := &models.Worker{
		Name:      name,
		Account:   "farm",
		Resources: capacity,
		Offliners: []string{"mwoffliner"},
		LastSeen:  null.TimeFrom(time.Now().UTC()),
	}
	require.NoError(t, f.st.SaveWorker(context.Background(), w))
	return w
}
