package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

var testGrace = GraceConfig{Window: 5 * time.Minute, Soft: 30 * time.Second}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) At(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Set moves the clock to baseTime+offset.
func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = baseTime.Add(offset)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(ev eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingObserver struct {
	mu         sync.Mutex
	committed  []string
	rolledBack []string
	abandoned  []string
	heartbeats int
}

func (o *recordingObserver) TransitionCommitted(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, kind)
}

func (o *recordingObserver) TransitionRolledBack(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rolledBack = append(o.rolledBack, code)
}

func (o *recordingObserver) SessionAbandoned(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abandoned = append(o.abandoned, reason)
}

func (o *recordingObserver) HeartbeatRecorded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heartbeats++
}

type fakeUploader struct {
	mu      sync.Mutex
	fail    error
	stored  map[string][]byte
	deleted []string
}

func (u *fakeUploader) Upload(_ context.Context, name, _ string, data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail != nil {
		return "", u.fail
	}
	if u.stored == nil {
		u.stored = map[string][]byte{}
	}
	url := "http://blobs.test/" + name
	u.stored[url] = data
	return url, nil
}

func (u *fakeUploader) Delete(_ context.Context, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.stored, url)
	u.deleted = append(u.deleted, url)
	return nil
}

// Fixture ids. Step 1 runs on station A, step 2 on station B.
const (
	workerA     = "W-A"
	workerB     = "W-B"
	workerC     = "W-C"
	stationA    = "ST-A"
	stationB    = "ST-B"
	stationOff  = "ST-OFF"
	jobID       = "JOB-1"
	jobItemID   = "JI-1"
	stepOne     = "JIS-1"
	stepTwo     = "JIS-2"
	stepOffline = "JIS-OFF"
)

// openRepo creates a migrated sqlite repository with the fixture floor at path.
func openRepo(path string, opts ...Option) (*Repository, *fakeClock, error) {
	clock := &fakeClock{now: baseTime}
	all := append([]Option{WithClock(clock.Now), WithGrace(testGrace)}, opts...)
	repo := NewRepository(nil, all...)
	if err := repo.ConnectDB(DriverSqlite, path, 1, 0); err != nil {
		return nil, nil, err
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, nil, err
	}
	if err := createFixtures(repo); err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, clock, nil
}

func createFixtures(repo *Repository) error {
	rows := []any{
		&[]models.Worker{
			{ID: workerA, Name: "Avi", Role: "operator"},
			{ID: workerB, Name: "Bella", Role: "operator"},
			{ID: workerC, Name: "Chen", Role: "operator"},
		},
		&[]models.Station{
			{ID: stationA, Name: "Cutter", Type: "cutting", IsActive: true},
			{ID: stationB, Name: "Bender", Type: "bending", IsActive: true},
			{ID: stationOff, Name: "Spare", Type: "cutting", IsActive: false},
		},
		&models.Job{ID: jobID, JobNumber: "J-1", CustomerName: "Test Customer"},
		&models.JobItem{ID: jobItemID, JobID: jobID, Name: "Bracket", PlannedQuantity: 1000},
		&[]models.JobItemStep{
			{ID: stepOne, JobItemID: jobItemID, Position: 1, StationID: stationA},
			{ID: stepTwo, JobItemID: jobItemID, Position: 2, StationID: stationB, IsTerminal: true},
			{ID: stepOffline, JobItemID: jobItemID, Position: 3, StationID: stationOff},
		},
		&[]models.WipBalance{
			{JobItemStepID: stepOne},
			{JobItemStepID: stepTwo},
			{JobItemStepID: stepOffline},
		},
	}
	for _, row := range rows {
		if err := repo.db.Create(row).Error; err != nil {
			return err
		}
	}
	return nil
}

func newTestRepo(t *testing.T, opts ...Option) (*Repository, *fakeClock) {
	t.Helper()
	repo, clock, err := openRepo(filepath.Join(t.TempDir(), "floor.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, clock
}

func mustCreateSession(t require.TestingT, repo *Repository, worker, station, step string) (*models.Session, *models.StatusEvent) {
	s, ev, rerr := repo.CreateSession(context.Background(), CreateSessionInput{
		WorkerID:      worker,
		StationID:     station,
		JobItemStepID: step,
	})
	require.Nil(t, rerr)
	return s, ev
}

func mustTransition(t require.TestingT, repo *Repository, sessionID, status string) *TransitionResult {
	res, rerr := repo.TransitionStatus(context.Background(), TransitionInput{SessionID: sessionID, Status: status})
	require.Nil(t, rerr)
	return res
}

func loadSession(t require.TestingT, repo *Repository, id string) models.Session {
	var s models.Session
	require.NoError(t, repo.db.Where("session_id = ?", id).First(&s).Error)
	return s
}

func balanceOf(t require.TestingT, repo *Repository, stepID string) int64 {
	var b models.WipBalance
	require.NoError(t, repo.db.Where("job_item_step_id = ?", stepID).First(&b).Error)
	return b.AvailableQuantity
}

func setBalance(t require.TestingT, repo *Repository, stepID string, qty int64) {
	require.NoError(t, repo.db.Model(&models.WipBalance{}).Where("job_item_step_id = ?", stepID).
		Update("available_quantity", qty).Error)
}

func timelineOf(t require.TestingT, repo *Repository, sessionID string) []models.StatusEvent {
	events, rerr := repo.Timeline(context.Background(), sessionID)
	require.Nil(t, rerr)
	return events
}

// checkGapless asserts consecutive intervals touch and, for an active session, exactly one is open.
func checkGapless(t require.TestingT, events []models.StatusEvent, active bool) {
	open := 0
	for i, ev := range events {
		if ev.EndedAt == nil {
			open++
			continue
		}
		require.False(t, ev.EndedAt.Before(ev.StartedAt), "interval %d ends before it starts", i)
		if i+1 < len(events) {
			require.True(t, ev.EndedAt.Equal(events[i+1].StartedAt),
				"gap between interval %d (ended %s) and %d (started %s)", i, ev.EndedAt, i+1, events[i+1].StartedAt)
		}
	}
	if active {
		require.Equal(t, 1, open, "active session must have exactly one open interval")
		require.Nil(t, events[len(events)-1].EndedAt, "open interval must be the last one")
	} else {
		require.Equal(t, 0, open)
	}
}

func requireCode(t require.TestingT, rerr *RepositoryError, code string) {
	require.NotNil(t, rerr, "expected error %s", code)
	require.Equal(t, code, rerr.Code, "unexpected error: %v", rerr)
}

var errUploadDown = errors.New("upload service unavailable")
