package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestProductionScenario(t *testing.T) {
	pub := &recordingPublisher{}
	obs := &recordingObserver{}
	repo, clock := newTestRepo(t, WithPublisher(pub), WithObserver(obs))
	ctx := context.Background()

	s, setup := mustCreateSession(t, repo, workerA, stationA, stepOne)
	require.True(t, setup.StartedAt.Equal(baseTime))

	clock.Set(120 * time.Second)
	prod := mustTransition(t, repo, s.ID, models.StatusCodeProduction)
	require.True(t, prod.Event.StartedAt.Equal(baseTime.Add(120*time.Second)))

	// the station terminal keeps the session alive while production runs
	for _, at := range []time.Duration{300 * time.Second, 540 * time.Second} {
		clock.Set(at)
		_, rerr := repo.RecordHeartbeat(ctx, s.ID)
		require.Nil(t, rerr)
	}

	clock.Set(600 * time.Second)
	res, rerr := repo.CloseProduction(ctx, CloseProductionInput{
		SessionID:     s.ID,
		StatusEventID: prod.Event.ID,
		QuantityGood:  50,
		QuantityScrap: 2,
		NextStatus:    models.StatusCodeStoppage,
	})
	require.Nil(t, rerr)
	require.Equal(t, models.StatusCodeStoppage, res.Next.StatusCode)
	require.True(t, res.Next.StartedAt.Equal(baseTime.Add(600*time.Second)))
	require.EqualValues(t, 50, res.Balance.AvailableQuantity)
	require.EqualValues(t, 50, res.Session.TotalGood)
	require.EqualValues(t, 2, res.Session.TotalScrap)

	events := timelineOf(t, repo, s.ID)
	require.Len(t, events, 3)
	checkGapless(t, events, true)

	require.Equal(t, models.StatusCodeSetup, events[0].StatusCode)
	require.True(t, events[0].EndedAt.Equal(baseTime.Add(120*time.Second)))

	closed := events[1]
	require.Equal(t, models.StatusCodeProduction, closed.StatusCode)
	require.True(t, closed.EndedAt.Equal(baseTime.Add(600*time.Second)))
	require.EqualValues(t, 50, *closed.QuantityGood)
	require.EqualValues(t, 2, *closed.QuantityScrap)
	require.Equal(t, stepOne, *closed.JobItemStepID)

	require.Equal(t, models.StatusCodeStoppage, events[2].StatusCode)
	require.Nil(t, events[2].EndedAt)

	stored := loadSession(t, repo, s.ID)
	require.EqualValues(t, 50, stored.TotalGood)
	require.EqualValues(t, 2, stored.TotalScrap)
	require.Equal(t, events[2].ID, *stored.CurrentStatusEventID)
	require.EqualValues(t, 50, balanceOf(t, repo, stepOne))

	require.Equal(t, []string{"transition", "close_production"}, obs.committed)
	require.Equal(t, 2, obs.heartbeats)
	require.Subset(t, pub.types(), []string{eventbus.SessionStatusChanged, eventbus.WipUpdated})
}

func TestCloseProductionWithForeignEventChangesNothing(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	mine, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)
	other, _ := mustCreateSession(t, repo, workerB, stationB, stepTwo)
	mustTransition(t, repo, mine.ID, models.StatusCodeProduction)
	foreign := mustTransition(t, repo, other.ID, models.StatusCodeProduction)

	clock.Set(time.Minute)
	_, rerr := repo.CloseProduction(ctx, CloseProductionInput{
		SessionID:     mine.ID,
		StatusEventID: foreign.Event.ID,
		QuantityGood:  10,
		NextStatus:    models.StatusCodeSetup,
	})
	requireCode(t, rerr, CodeStatusEventSessionMismatch)

	stored := loadSession(t, repo, mine.ID)
	require.Zero(t, stored.TotalGood)
	require.Zero(t, stored.TotalScrap)
	require.Zero(t, balanceOf(t, repo, stepOne))
	require.Zero(t, balanceOf(t, repo, stepTwo))
	checkGapless(t, timelineOf(t, repo, mine.ID), true)
	checkGapless(t, timelineOf(t, repo, other.ID), true)
}

func TestCloseProductionValidation(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	s, setup := mustCreateSession(t, repo, workerA, stationA, stepOne)
	clock.Set(time.Minute)
	prod := mustTransition(t, repo, s.ID, models.StatusCodeProduction)

	tests := []struct {
		name string
		in   CloseProductionInput
		code string
	}{
		{"negative good", CloseProductionInput{SessionID: s.ID, StatusEventID: prod.Event.ID, QuantityGood: -1, NextStatus: "setup"}, CodeValidation},
		{"negative scrap", CloseProductionInput{SessionID: s.ID, StatusEventID: prod.Event.ID, QuantityScrap: -3, NextStatus: "setup"}, CodeValidation},
		{"missing next status", CloseProductionInput{SessionID: s.ID, StatusEventID: prod.Event.ID}, CodeValidation},
		{"unknown session", CloseProductionInput{SessionID: "missing", StatusEventID: prod.Event.ID, NextStatus: "setup"}, CodeSessionNotFound},
		{"unknown event", CloseProductionInput{SessionID: s.ID, StatusEventID: "missing", NextStatus: "setup"}, CodeStatusEventNotFound},
		{"closed event", CloseProductionInput{SessionID: s.ID, StatusEventID: setup.ID, NextStatus: "setup"}, CodeStatusEventAlreadyEnded},
		{"unknown next status", CloseProductionInput{SessionID: s.ID, StatusEventID: prod.Event.ID, NextStatus: "lunch"}, CodeStatusNotFound},
		{"protected next status", CloseProductionInput{SessionID: s.ID, StatusEventID: prod.Event.ID, NextStatus: "stopped"}, CodeStatusProtected},
		{"next status needs a report", CloseProductionInput{SessionID: s.ID, StatusEventID: prod.Event.ID, NextStatus: "malfunction"}, CodeReportRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rerr := repo.CloseProduction(ctx, tt.in)
			requireCode(t, rerr, tt.code)
		})
	}

	// closing a non-production interval
	clock.Set(2 * time.Minute)
	stop := mustTransition(t, repo, s.ID, models.StatusCodeStoppage)
	_, rerr := repo.CloseProduction(ctx, CloseProductionInput{SessionID: s.ID, StatusEventID: stop.Event.ID, NextStatus: "setup"})
	requireCode(t, rerr, CodeStatusEventNotProduction)

	require.Len(t, timelineOf(t, repo, s.ID), 3)
	require.Zero(t, loadSession(t, repo, s.ID).TotalGood)
}

func TestCloseProductionRollsBackWhenBalanceMissing(t *testing.T) {
	obs := &recordingObserver{}
	repo, clock := newTestRepo(t, WithObserver(obs))
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)
	prod := mustTransition(t, repo, s.ID, models.StatusCodeProduction)

	require.NoError(t, repo.db.Where("job_item_step_id = ?", stepOne).Delete(&models.WipBalance{}).Error)

	clock.Set(4 * time.Minute)
	_, rerr := repo.CloseProduction(ctx, CloseProductionInput{
		SessionID: s.ID, StatusEventID: prod.Event.ID, QuantityGood: 7, QuantityScrap: 1, NextStatus: "setup",
	})
	requireCode(t, rerr, "WIP_UPDATE_FAILED:balance_missing")
	require.Equal(t, KindIntegrity, rerr.Kind)
	require.Equal(t, []string{"WIP_UPDATE_FAILED:balance_missing"}, obs.rolledBack)

	events := timelineOf(t, repo, s.ID)
	require.Len(t, events, 2)
	require.Nil(t, events[1].EndedAt, "production interval must still be open")
	require.Nil(t, events[1].QuantityGood)
	checkGapless(t, events, true)

	stored := loadSession(t, repo, s.ID)
	require.Zero(t, stored.TotalGood)
	require.Zero(t, stored.TotalScrap)
	require.Equal(t, prod.Event.ID, *stored.CurrentStatusEventID)
}

func TestCloseProductionConsumesUpstream(t *testing.T) {
	repo, clock := newTestRepo(t, WithUpstreamConsumption(true))
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerB, stationB, stepTwo)
	prod := mustTransition(t, repo, s.ID, models.StatusCodeProduction)

	setBalance(t, repo, stepOne, 10)

	clock.Set(time.Minute)
	_, rerr := repo.CloseProduction(ctx, CloseProductionInput{
		SessionID: s.ID, StatusEventID: prod.Event.ID, QuantityGood: 9, QuantityScrap: 2, NextStatus: "production",
	})
	requireCode(t, rerr, "WIP_UPDATE_FAILED:insufficient_upstream")
	require.EqualValues(t, 10, balanceOf(t, repo, stepOne))
	require.Zero(t, balanceOf(t, repo, stepTwo))

	res, rerr := repo.CloseProduction(ctx, CloseProductionInput{
		SessionID: s.ID, StatusEventID: prod.Event.ID, QuantityGood: 8, QuantityScrap: 2, NextStatus: "production",
	})
	require.Nil(t, rerr)
	require.EqualValues(t, 0, res.Upstream.AvailableQuantity)
	require.EqualValues(t, 8, res.Balance.AvailableQuantity)
	require.Zero(t, balanceOf(t, repo, stepOne))
	require.EqualValues(t, 8, balanceOf(t, repo, stepTwo))
}

func TestTransitionWithScrapReport(t *testing.T) {
	pub := &recordingPublisher{}
	uploader := &fakeUploader{}
	repo, clock := newTestRepo(t, WithUploader(uploader), WithPublisher(pub))
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	clock.Set(3 * time.Minute)
	res, rerr := repo.TransitionStatus(context.Background(), TransitionInput{
		SessionID: s.ID,
		Status:    models.StatusCodeStoppage,
		Report: &ReportInput{
			Type:        models.ReportTypeScrap,
			Description: "burr on edge",
			Attachment:  &Attachment{Name: "edge.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}},
		},
	})
	require.Nil(t, rerr)
	require.NotNil(t, res.Report)
	require.Equal(t, models.ReportTypeScrap, res.Report.Type)
	require.Equal(t, "http://blobs.test/edge.jpg", *res.Report.ImageURL)
	require.Equal(t, res.Event.ID, res.Report.StatusEventID)
	require.Equal(t, res.Report.ID, *res.Event.ReportID)
	require.True(t, res.Session.ScrapReportSubmitted)

	stored := loadSession(t, repo, s.ID)
	require.True(t, stored.ScrapReportSubmitted)
	require.True(t, stored.LastSeenAt.Equal(baseTime.Add(3*time.Minute)))
	require.Contains(t, pub.types(), eventbus.ReportCreated)
}

func TestTransitionRejectsReservedAndUnreportedStatuses(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	_, rerr := repo.TransitionStatus(ctx, TransitionInput{SessionID: s.ID, Status: models.StatusCodeStopped})
	requireCode(t, rerr, CodeStatusProtected)

	_, rerr = repo.TransitionStatus(ctx, TransitionInput{SessionID: s.ID, Status: models.StatusCodeMalfunction})
	requireCode(t, rerr, CodeReportRequired)

	_, rerr = repo.TransitionStatus(ctx, TransitionInput{SessionID: s.ID, Status: "coffee"})
	requireCode(t, rerr, CodeStatusNotFound)

	_, rerr = repo.TransitionStatus(ctx, TransitionInput{SessionID: "missing", Status: models.StatusCodeProduction})
	requireCode(t, rerr, CodeSessionNotFound)

	res, rerr := repo.TransitionStatus(ctx, TransitionInput{
		SessionID: s.ID,
		Status:    models.StatusCodeMalfunction,
		Report:    &ReportInput{Description: "spindle jammed"},
	})
	require.Nil(t, rerr)
	require.Equal(t, models.ReportTypeMalfunction, res.Report.Type)
	require.Nil(t, res.Report.ImageURL)
}

func TestTransitionUploadFailureIsNoOp(t *testing.T) {
	obs := &recordingObserver{}
	uploader := &fakeUploader{fail: errUploadDown}
	repo, clock := newTestRepo(t, WithUploader(uploader), WithObserver(obs))
	s, setup := mustCreateSession(t, repo, workerA, stationA, stepOne)

	clock.Set(time.Minute)
	_, rerr := repo.TransitionStatus(context.Background(), TransitionInput{
		SessionID: s.ID,
		Status:    models.StatusCodeMalfunction,
		Report: &ReportInput{
			Description: "smoke",
			Attachment:  &Attachment{Name: "smoke.png", ContentType: "image/png", Data: []byte("png")},
		},
	})
	requireCode(t, rerr, CodeImageUploadFailed)
	require.Equal(t, KindTransient, rerr.Kind)
	require.Equal(t, []string{CodeImageUploadFailed}, obs.rolledBack)

	events := timelineOf(t, repo, s.ID)
	require.Len(t, events, 1)
	require.Nil(t, events[0].EndedAt)
	require.Equal(t, setup.ID, *loadSession(t, repo, s.ID).CurrentStatusEventID)
}

func TestTransitionReportFailureIsNoOp(t *testing.T) {
	uploader := &fakeUploader{}
	repo, clock := newTestRepo(t, WithUploader(uploader))
	s, setup := mustCreateSession(t, repo, workerA, stationA, stepOne)

	err := repo.db.Callback().Create().Before("gorm:create").Register("test:fail_reports", func(db *gorm.DB) {
		if db.Statement.Table == "reports" {
			db.AddError(errors.New("disk quota exceeded"))
		}
	})
	require.NoError(t, err)

	clock.Set(time.Minute)
	_, rerr := repo.TransitionStatus(context.Background(), TransitionInput{
		SessionID: s.ID,
		Status:    models.StatusCodeMalfunction,
		Report: &ReportInput{
			Description: "coolant leak",
			Attachment:  &Attachment{Name: "leak.jpg", ContentType: "image/jpeg", Data: []byte("jpg")},
		},
	})
	requireCode(t, rerr, CodeReportCreateFailed)

	events := timelineOf(t, repo, s.ID)
	require.Len(t, events, 1)
	require.Nil(t, events[0].EndedAt)
	checkGapless(t, events, true)

	stored := loadSession(t, repo, s.ID)
	require.Equal(t, setup.ID, *stored.CurrentStatusEventID)
	require.True(t, stored.LastSeenAt.Equal(baseTime), "rolled back transition must not count as liveness")

	require.Equal(t, []string{"http://blobs.test/leak.jpg"}, uploader.deleted)
	require.Empty(t, uploader.stored)
}

func TestTransitionOnExpiredSessionAbandonsIt(t *testing.T) {
	repo, clock := newTestRepo(t)
	s, _ := mustCreateSession(t, repo, workerA, stationA, stepOne)

	clock.Set(testGrace.Window + time.Second)
	_, rerr := repo.TransitionStatus(context.Background(), TransitionInput{SessionID: s.ID, Status: models.StatusCodeProduction})
	requireCode(t, rerr, CodeSessionNotActive)

	stored := loadSession(t, repo, s.ID)
	require.Equal(t, models.SessionAborted, stored.Status)
	events := timelineOf(t, repo, s.ID)
	require.Equal(t, models.StatusCodeStopped, events[len(events)-1].StatusCode)
}
