package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateSessionInput identifies who starts work where, on which pipeline step.
type CreateSessionInput struct {
	WorkerID      string
	StationID     string
	JobItemStepID string
	// InitialStatus is an id or code; empty means "setup".
	InitialStatus string
}

// CreateSession starts a session and opens its first interval. The occupancy check and the insert
// share one transaction, and the unique active_station_id/active_worker_id columns reject the
// loser of a race that slips past the check.
func (r *Repository) CreateSession(ctx context.Context, in CreateSessionInput) (*models.Session, *models.StatusEvent, *RepositoryError) {
	switch {
	case in.WorkerID == "":
		return nil, nil, validationError("worker_id is required")
	case in.StationID == "":
		return nil, nil, validationError("station_id is required")
	case in.JobItemStepID == "":
		return nil, nil, validationError("job_item_step_id is required")
	}
	if in.InitialStatus == "" {
		in.InitialStatus = models.StatusCodeSetup
	}

	var session *models.Session
	var event *models.StatusEvent
	raced := false
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		step, rerr := r.checkAssignment(t.db, in)
		if rerr != nil {
			return rerr
		}

		status, rerr := r.resolveStatus(t.db, in.InitialStatus)
		if rerr != nil {
			return rerr
		}
		if status.IsProtected {
			return statusProtected(status)
		}

		if rerr := r.claimStation(t, in.StationID, in.WorkerID); rerr != nil {
			return rerr
		}
		if rerr := r.claimWorker(t, in.WorkerID); rerr != nil {
			return rerr
		}

		now := t.now
		s := &models.Session{
			ID:              uuid.NewString(),
			WorkerID:        in.WorkerID,
			StationID:       in.StationID,
			JobID:           step.JobItem.JobID,
			JobItemStepID:   step.ID,
			Status:          models.SessionActive,
			ActiveStationID: &in.StationID,
			ActiveWorkerID:  &in.WorkerID,
			StartedAt:       now,
			LastSeenAt:      &now,
		}
		if err := t.db.Create(s).Error; err != nil {
			if isDuplicate(err) {
				raced = true
				return stationOccupied(in.StationID, "another session claimed the station concurrently")
			}
			return dbError(err)
		}

		ev, rerr := r.openInterval(t, s, status, now)
		if rerr != nil {
			return rerr
		}
		session, event = s, ev

		t.publish(eventbus.NewEvent(eventbus.SessionCreated, s.StationID, s.ID, s.WorkerID, now, map[string]any{
			"job_item_step_id": s.JobItemStepID,
			"status":           status.Code,
			"status_event_id":  ev.ID,
		}))
		return nil
	})
	if raced {
		rerr = r.lostRace(ctx, in)
	}
	if rerr != nil {
		r.logger.Debug("Session creation rejected", "station", in.StationID, "worker", in.WorkerID, "code", rerr.Code)
		return nil, nil, rerr
	}

	r.logger.Info("Session created", "session", session.ID, "station", session.StationID, "worker", session.WorkerID)
	return session, event, nil
}

// checkAssignment loads the reference data of a new session and checks it fits together.
func (r *Repository) checkAssignment(db *gorm.DB, in CreateSessionInput) (*models.JobItemStep, *RepositoryError) {
	var worker models.Worker
	if err := db.Where("worker_id = ?", in.WorkerID).First(&worker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, CodeWorkerNotFound, "Worker does not exist",
				fmt.Sprintf("Worker with id %s does not exist", in.WorkerID))
		}
		return nil, dbError(err)
	}

	var station models.Station
	if err := db.Where("station_id = ?", in.StationID).First(&station).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, CodeStationNotFound, "Station does not exist",
				fmt.Sprintf("Station with id %s does not exist", in.StationID))
		}
		return nil, dbError(err)
	}
	if !station.IsActive {
		return nil, newError(KindConflict, CodeStationInactive, "Station is not active",
			fmt.Sprintf("Station %s is disabled", station.ID))
	}

	var step models.JobItemStep
	if err := db.Preload("JobItem").Where("job_item_step_id = ?", in.JobItemStepID).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, CodeJobItemStepNotFound, "Job item step does not exist",
				fmt.Sprintf("Job item step with id %s does not exist", in.JobItemStepID))
		}
		return nil, dbError(err)
	}
	if step.StationID != station.ID {
		return nil, validationError(fmt.Sprintf("job item step %s runs on station %s, not %s", step.ID, step.StationID, station.ID))
	}
	if step.JobItem == nil {
		return nil, newError(KindIntegrity, CodeJobItemStepNotFound, "Job item step has no job item",
			fmt.Sprintf("Job item %s of step %s does not exist", step.JobItemID, step.ID))
	}
	return &step, nil
}

// claimStation fails unless the station is free for workerID. An expired holder is abandoned.
func (r *Repository) claimStation(t *txn, stationID, workerID string) *RepositoryError {
	holder, rerr := stationHolder(t.db, stationID)
	if rerr != nil || holder == nil {
		return rerr
	}
	switch Classify(holder, workerID, t.now, t.grace) {
	case OccupancyExpired:
		return r.abandon(t, holder, AbandonExpired)
	case OccupancyFree:
		// the requesting worker already holds it
		return workerBusy(holder)
	default:
		expires := holder.LastSeen().Add(t.grace.Window)
		return stationOccupied(stationID, fmt.Sprintf("held by worker %s until at least %s", holder.WorkerID, expires.Format(time.RFC3339)))
	}
}

// claimWorker fails when the worker still holds a live session on any station.
func (r *Repository) claimWorker(t *txn, workerID string) *RepositoryError {
	holder, rerr := workerHolding(t.db, workerID)
	if rerr != nil || holder == nil {
		return rerr
	}
	if Classify(holder, workerID, t.now, t.grace) == OccupancyExpired {
		return r.abandon(t, holder, AbandonExpired)
	}
	return workerBusy(holder)
}

// lostRace reports which claim a concurrent session won after the insert hit a unique column.
// It runs once the failed transaction rolled back, so it sees the winner's committed row.
func (r *Repository) lostRace(ctx context.Context, in CreateSessionInput) *RepositoryError {
	db := r.db.WithContext(ctx)

	var holder models.Session
	err := db.Where("active_station_id = ?", in.StationID).First(&holder).Error
	switch {
	case err == nil:
		if holder.WorkerID == in.WorkerID {
			return workerBusy(&holder)
		}
		return stationOccupied(in.StationID, "another session claimed the station concurrently")
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dbError(err)
	}

	err = db.Where("active_worker_id = ?", in.WorkerID).First(&holder).Error
	switch {
	case err == nil:
		return workerBusy(&holder)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dbError(err)
	}
	return stationOccupied(in.StationID, "another session claimed the station concurrently")
}

// CompleteSession ends a session deliberately: the open interval is closed and no new one opened.
func (r *Repository) CompleteSession(ctx context.Context, sessionID string) (*models.Session, *RepositoryError) {
	if sessionID == "" {
		return nil, validationError("session_id is required")
	}

	var session *models.Session
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		s, rerr := lockSession(t.db, sessionID)
		if rerr != nil {
			return rerr
		}
		if !s.IsActive() {
			return newError(KindNotFound, CodeSessionNotFound, "No active session",
				fmt.Sprintf("Session %s is already %s", s.ID, s.Status))
		}
		expired, rerr := r.expireIfDue(t, s)
		if rerr != nil {
			return rerr
		}
		if expired {
			return t.commitWith(newError(KindNotFound, CodeSessionNotFound, "No active session",
				fmt.Sprintf("Session %s was abandoned after its grace window expired", s.ID)))
		}

		closed, rerr := r.closeInterval(t, s, t.now)
		if rerr != nil {
			return rerr
		}
		endedAt, seen := *closed.EndedAt, t.now
		err := t.db.Model(&models.Session{}).Where("session_id = ?", s.ID).Updates(map[string]any{
			"status":            models.SessionCompleted,
			"ended_at":          endedAt,
			"last_seen_at":      seen,
			"active_station_id": nil,
			"active_worker_id":  nil,
		}).Error
		if err != nil {
			return dbError(err)
		}
		s.Status = models.SessionCompleted
		s.EndedAt = &endedAt
		s.LastSeenAt = &seen
		s.ActiveStationID = nil
		s.ActiveWorkerID = nil
		session = s

		t.publish(eventbus.NewEvent(eventbus.SessionCompleted, s.StationID, s.ID, s.WorkerID, endedAt, map[string]any{
			"total_good":  s.TotalGood,
			"total_scrap": s.TotalScrap,
		}))
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}

	r.logger.Info("Session completed", "session", session.ID, "station", session.StationID)
	return session, nil
}

// GetSession returns a session. An active session whose grace expired is abandoned first.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*models.Session, *RepositoryError) {
	var session *models.Session
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		s, rerr := lockSession(t.db, sessionID)
		if rerr != nil {
			return rerr
		}
		if _, rerr := r.expireIfDue(t, s); rerr != nil {
			return rerr
		}
		session = s
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return session, nil
}

// GetActiveSessionForWorker returns the worker's live session, or nil when there is none.
// An expired session is abandoned on read and nil returned.
func (r *Repository) GetActiveSessionForWorker(ctx context.Context, workerID string) (*models.Session, *RepositoryError) {
	if workerID == "" {
		return nil, validationError("worker_id is required")
	}

	var session *models.Session
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		s, rerr := workerHolding(t.db, workerID)
		if rerr != nil || s == nil {
			return rerr
		}
		expired, rerr := r.expireIfDue(t, s)
		if rerr != nil {
			return rerr
		}
		if !expired {
			session = s
		}
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return session, nil
}

func stationOccupied(stationID, detail string) *RepositoryError {
	return newError(KindConflict, CodeStationOccupied, fmt.Sprintf("Station %s is occupied", stationID), detail)
}

func workerBusy(s *models.Session) *RepositoryError {
	return newError(KindConflict, CodeWorkerHasActiveSession, "Worker already has an active session",
		fmt.Sprintf("Worker %s holds session %s on station %s", s.WorkerID, s.ID, s.StationID))
}

func statusProtected(status models.StatusDefinition) *RepositoryError {
	return newError(KindValidation, CodeStatusProtected, "Status is reserved for the system",
		fmt.Sprintf("Status %s cannot be chosen by clients", status.Code))
}
