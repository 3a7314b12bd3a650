package progress

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(logger)
}

func TestService_StartOperation(t *testing.T) {
	svc := newTestService()

	mgr, err := svc.StartOperation("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", mgr.JobID())

	op, err := svc.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePreparing, op.State)
	assert.Equal(t, models.StageCreated, op.Stage)
	assert.NotEmpty(t, op.OperationID)

	_, err = svc.StartOperation("job-1")
	assert.ErrorIs(t, err, ErrOperationExists)

	mgr.Complete("out.mp4")
	_, err = svc.StartOperation("job-1")
	assert.NoError(t, err, "a finished job can be tracked again")

	_, err = svc.Get("missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestOperationManager_ReportIsMonotonic(t *testing.T) {
	svc := newTestService()
	mgr, err := svc.StartOperation("job")
	require.NoError(t, err)
	ctx := context.Background()

	mgr.Report(ctx, 5, models.StageFetchingData)
	mgr.Report(ctx, 40, models.StageRendering)
	mgr.Report(ctx, 30, models.StageRendering)

	op, err := svc.Get("job")
	require.NoError(t, err)
	assert.Equal(t, 40, op.Percent)
	assert.Equal(t, StateProcessing, op.State)
	assert.Equal(t, models.StageRendering, op.Stage)
	require.Len(t, op.Stages, 2)
	assert.Equal(t, models.StageFetchingData, op.Stages[0].Stage)
	assert.NotNil(t, op.Stages[0].CompletedAt)
	assert.Nil(t, op.Stages[1].CompletedAt)

	mgr.Report(ctx, 150, "")
	op, err = svc.Get("job")
	require.NoError(t, err)
	assert.Equal(t, 100, op.Percent)
}

func TestOperationManager_Finish(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	t.Run("complete", func(t *testing.T) {
		mgr, err := svc.StartOperation("ok")
		require.NoError(t, err)
		mgr.Report(ctx, 80, models.StageRendering)
		mgr.Complete("renders/ok.mp4")

		op, err := svc.Get("ok")
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, op.State)
		assert.Equal(t, 100, op.Percent)
		assert.Equal(t, "renders/ok.mp4", op.Metadata["result"])
		assert.NotNil(t, op.CompletedAt)

		// Terminal operations ignore later reports.
		mgr.Fail(errors.New("late"))
		op, err = svc.Get("ok")
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, op.State)
	})

	t.Run("fail", func(t *testing.T) {
		mgr, err := svc.StartOperation("bad")
		require.NoError(t, err)
		mgr.Fail(errors.New("boom"))

		op, err := svc.Get("bad")
		require.NoError(t, err)
		assert.Equal(t, StateError, op.State)
		assert.Equal(t, "boom", op.Error)
		assert.Equal(t, models.StageFailed, op.Stage)
	})

	t.Run("cancel", func(t *testing.T) {
		mgr, err := svc.StartOperation("stop")
		require.NoError(t, err)
		mgr.Cancel()

		op, err := svc.Get("stop")
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, op.State)
	})
}

func TestService_Subscribe(t *testing.T) {
	svc := newTestService()
	sub := svc.Subscribe(&Filter{JobID: "watched"})
	defer svc.Unsubscribe(sub.ID)

	other, err := svc.StartOperation("other")
	require.NoError(t, err)
	other.Report(context.Background(), 50, models.StageRendering)

	mgr, err := svc.StartOperation("watched")
	require.NoError(t, err)
	mgr.Report(context.Background(), 10, models.StageFetchingData)
	mgr.Complete("")

	var events []*ProgressEvent
	for range 3 {
		select {
		case ev := <-sub.Events:
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	for _, ev := range events {
		assert.Equal(t, "watched", ev.Progress.JobID)
	}
	assert.Equal(t, EventTypeProgress, events[0].EventType)
	assert.Equal(t, 10, events[1].Progress.Percent)
	assert.Equal(t, EventTypeCompleted, events[2].EventType)

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestService_UnsubscribeClosesChannel(t *testing.T) {
	svc := newTestService()
	sub := svc.Subscribe(nil)
	svc.Unsubscribe(sub.ID)
	_, ok := <-sub.Events
	assert.False(t, ok)
	svc.Unsubscribe(sub.ID)
}

func TestService_ListAndCleanup(t *testing.T) {
	svc := newTestService()
	done, err := svc.StartOperation("done")
	require.NoError(t, err)
	_, err = svc.StartOperation("active")
	require.NoError(t, err)
	done.Complete("")

	assert.Len(t, svc.List(nil), 2)
	active := svc.List(&Filter{ActiveOnly: true})
	require.Len(t, active, 1)
	assert.Equal(t, "active", active[0].JobID)

	assert.Zero(t, svc.cleanup(time.Now()))
	assert.Equal(t, 1, svc.cleanup(time.Now().Add(10*time.Minute)))
	_, err = svc.Get("done")
	assert.ErrorIs(t, err, ErrOperationNotFound)
	_, err = svc.Get("active")
	assert.NoError(t, err)
}

func TestService_StartStop(t *testing.T) {
	svc := newTestService()
	svc.Start()
	svc.Stop()
	svc.Stop()
}
