package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskfarm/internal/models"
)

func TestRequester_Request(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tpl := f.template(t, "wiki", models.Resources{CPU: 2, Memory: gi}, 0)

	rt, err := f.requester.Request(ctx, tpl.ID, "alice", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, rt.ID)
	assert.Equal(t, tpl.Resources, rt.Resources)
	assert.Equal(t, "mwoffliner", rt.Offliner)
	assert.Equal(t, "alice", rt.RequestedBy)

	stored, err := f.st.GetRequestedTask(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, rt.ID, stored.ID)

	_, err = f.requester.Request(ctx, tpl.ID, "bob", 1)
	assert.ErrorIs(t, err, models.ErrAlreadyRequested)
}

func TestRequester_RequestRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	disabled := &models.JobTemplate{Name: "off", Offliner: "mwoffliner", Enabled: false}
	require.NoError(t, f.st.CreateTemplate(ctx, disabled))
	_, err := f.requester.Request(ctx, disabled.ID, "alice", 0)
	assert.ErrorIs(t, err, models.ErrTemplateDisabled)

	_, err = f.requester.Request(ctx, 999, "alice", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// a running task also blocks a new request
	tpl := f.template(t, "wiki", models.Resources{CPU: 1}, 0)
	f.running(t, "r", tpl, "W1", time.Minute)
	_, err = f.requester.Request(ctx, tpl.ID, "alice", 0)
	assert.ErrorIs(t, err, models.ErrAlreadyRequested)
}

func TestRequester_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := models.Resources{CPU: 1}

	f.pending(t, "c", f.template(t, "c", res, 0), 1, now)
	f.pending(t, "a", f.template(t, "a", res, 0), 5, now)
	f.pending(t, "b", f.template(t, "b", res, 0), 1, now.Add(-time.Minute))

	tasks, err := f.requester.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, tasks[i].ID)
		assert.Equal(t, i, tasks[i].Rank)
	}

	require.NoError(t, f.requester.Delete(ctx, "b"))
	assert.ErrorIs(t, f.requester.Delete(ctx, "b"), models.ErrNotFound)

	tasks, err = f.requester.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}
