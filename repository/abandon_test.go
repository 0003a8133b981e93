package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatExtendsGrace(t *testing.T) {
	obs := &recordingObserver{}
	repo, clock := newTestRepo(t, WithObserver(obs))
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	for i := 1; i <= 3; i++ {
		clock.Set(time.Duration(i) * 4 * time.Minute)
		got, rerr := repo.RecordHeartbeat(ctx, s.ID)
		require.Nil(t, rerr)
		require.True(t, got.LastSeenAt.Equal(baseTime.Add(time.Duration(i)*4*time.Minute)))
	}
	require.Equal(t, 3, obs.heartbeats)
	require.Equal(t, models.SessionActive, loadSession(t, repo, s.ID).Status)

	// the heartbeat touched nothing but liveness
	require.Len(t, timelineOf(t, repo, s.ID), 1)

	_, rerr := repo.RecordHeartbeat(ctx, "missing")
	requireCode(t, rerr, CodeSessionNotFound)
	_, rerr = repo.RecordHeartbeat(ctx, "")
	requireCode(t, rerr, CodeValidation)
}

func TestHeartbeatAfterExpiryAbandons(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	clock.Set(testGrace.Window + time.Second)
	_, rerr := repo.RecordHeartbeat(ctx, s.ID)
	requireCode(t, rerr, CodeSessionNotActive)

	stored := loadSession(t, repo, s.ID)
	require.Equal(t, models.SessionAborted, stored.Status)
	require.True(t, stored.LastSeenAt.Equal(baseTime))

	_, rerr = repo.RecordHeartbeat(ctx, s.ID)
	requireCode(t, rerr, CodeSessionNotActive)
}

func TestAbandonSessionByWorker(t *testing.T) {
	pub := &recordingPublisher{}
	obs := &recordingObserver{}
	repo, clock := newTestRepo(t, WithPublisher(pub), WithObserver(obs))
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)
	clock.Set(time.Minute)
	mustTransition(t, repo, s.ID, models.StatusCodeProduction)

	clock.Set(2 * time.Minute)
	got, rerr := repo.AbandonSession(ctx, s.ID, AbandonWorkerChoice)
	require.Nil(t, rerr)
	require.Equal(t, models.SessionAborted, got.Status)
	require.True(t, got.ForcedClosedAt.Equal(baseTime.Add(2*time.Minute)))
	require.Nil(t, got.ActiveStationID)
	require.Nil(t, got.ActiveWorkerID)

	events := timelineOf(t, repo, s.ID)
	require.Len(t, events, 3)
	checkGapless(t, events, false)
	terminal := events[2]
	require.Equal(t, models.StatusCodeStopped, terminal.StatusCode)
	require.Equal(t, "worker-abandon", *terminal.Note)
	require.True(t, terminal.StartedAt.Equal(*terminal.EndedAt))
	require.Equal(t, terminal.ID, *got.CurrentStatusEventID)

	// idempotent
	again, rerr := repo.AbandonSession(ctx, s.ID, AbandonWorkerChoice)
	require.Nil(t, rerr)
	require.Equal(t, models.SessionAborted, again.Status)
	require.Len(t, timelineOf(t, repo, s.ID), 3)

	require.Equal(t, []string{string(AbandonWorkerChoice)}, obs.abandoned)
	require.Contains(t, pub.types(), eventbus.SessionAbandoned)

	// station and worker are released
	mustCreateSession(t, repo, workerA, stationA, stepOne)
}

func TestAbandonSessionErrors(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	_, rerr := repo.AbandonSession(ctx, s.ID, "bored")
	requireCode(t, rerr, CodeValidation)

	_, rerr = repo.AbandonSession(ctx, "missing", AbandonWorkerChoice)
	requireCode(t, rerr, CodeSessionNotFound)

	_, rerr = repo.AbandonSession(ctx, s.ID, AbandonExpired)
	requireCode(t, rerr, CodeGraceNotExpired)

	clock.Set(testGrace.Window + time.Second)
	got, rerr := repo.AbandonSession(ctx, s.ID, AbandonExpired)
	require.Nil(t, rerr)
	events := timelineOf(t, repo, got.ID)
	require.Equal(t, "grace-window-expired", *events[len(events)-1].Note)

	done, _ := mustCreateSession(t, repo, workerB, stationB, stepTwo)
	_, rerr = repo.CompleteSession(ctx, done.ID)
	require.Nil(t, rerr)
	_, rerr = repo.AbandonSession(ctx, done.ID, AbandonWorkerChoice)
	requireCode(t, rerr, CodeSessionNotActive)
}

func TestAbandonExpiredSessionsSweep(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	stale, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	clock.Set(4 * time.Minute)
	fresh, _ := mustCreateSession(t, repo, workerB, stationB, stepTwo)

	clock.Set(6 * time.Minute)
	n, err := repo.AbandonExpiredSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.SessionAborted, loadSession(t, repo, stale.ID).Status)
	require.Equal(t, models.SessionActive, loadSession(t, repo, fresh.ID).Status)

	n, err = repo.AbandonExpiredSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOccupancy(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	clock.Set(10 * time.Second)
	occ, rerr := repo.Occupancy(ctx, []string{stationA, stationB}, workerB)
	require.Nil(t, rerr)
	require.Len(t, occ, 2)
	require.Equal(t, OccupancyOccupied, occ[0].State)
	require.Equal(t, s.ID, occ[0].SessionID)
	require.Equal(t, workerA, occ[0].WorkerID)
	require.Equal(t, "Avi", occ[0].WorkerName)
	require.True(t, occ[0].GraceExpiresAt.Equal(baseTime.Add(testGrace.Window)))
	require.False(t, occ[0].OwnSession)
	require.Equal(t, OccupancyFree, occ[1].State)
	require.Empty(t, occ[1].SessionID)

	// the holder sees its own station as available
	occ, rerr = repo.Occupancy(ctx, []string{stationA}, workerA)
	require.Nil(t, rerr)
	require.Equal(t, OccupancyFree, occ[0].State)
	require.True(t, occ[0].OwnSession)

	clock.Set(time.Minute)
	occ, rerr = repo.Occupancy(ctx, []string{stationA}, workerB)
	require.Nil(t, rerr)
	require.Equal(t, OccupancyGrace, occ[0].State)

	clock.Set(testGrace.Window + time.Second)
	occ, rerr = repo.Occupancy(ctx, []string{stationA}, workerB)
	require.Nil(t, rerr)
	require.Equal(t, OccupancyFree, occ[0].State)
	require.Equal(t, models.SessionAborted, loadSession(t, repo, s.ID).Status)

	_, rerr = repo.Occupancy(ctx, []string{stationA, "ST-404"}, workerB)
	requireCode(t, rerr, CodeStationNotFound)
	_, rerr = repo.Occupancy(ctx, nil, workerB)
	requireCode(t, rerr, CodeValidation)
}

func TestClassify(t *testing.T) {
	seen := baseTime.Add(time.Minute)
	active := &models.Session{WorkerID: workerA, Status: models.SessionActive, StartedAt: baseTime, LastSeenAt: &seen}
	noHeartbeat := &models.Session{WorkerID: workerA, Status: models.SessionActive, StartedAt: baseTime}
	ended := baseTime.Add(2 * time.Minute)
	completed := &models.Session{WorkerID: workerA, Status: models.SessionCompleted, StartedAt: baseTime, EndedAt: &ended}

	tests := []struct {
		name    string
		session *models.Session
		worker  string
		now     time.Time
		want    OccupancyState
	}{
		{"no session", nil, workerB, seen, OccupancyFree},
		{"terminal session", completed, workerB, seen, OccupancyFree},
		{"fresh heartbeat", active, workerB, seen.Add(testGrace.Soft), OccupancyOccupied},
		{"past soft threshold", active, workerB, seen.Add(testGrace.Soft + time.Second), OccupancyGrace},
		{"at window edge", active, workerB, seen.Add(testGrace.Window), OccupancyGrace},
		{"past window", active, workerB, seen.Add(testGrace.Window + time.Second), OccupancyExpired},
		{"own session", active, workerA, seen.Add(time.Minute), OccupancyFree},
		{"own session past window", active, workerA, seen.Add(testGrace.Window + time.Second), OccupancyExpired},
		{"falls back to start", noHeartbeat, workerB, baseTime.Add(testGrace.Window + time.Second), OccupancyExpired},
		{"anonymous reader", active, "", seen, OccupancyOccupied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.session, tt.worker, tt.now, testGrace))
		})
	}
}
