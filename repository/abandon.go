package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AbandonReason says why a session was force-closed
type AbandonReason string

const (
	AbandonWorkerChoice AbandonReason = "worker_choice"
	AbandonExpired      AbandonReason = "expired"
)

// Valid reports whether r is a known reason
func (r AbandonReason) Valid() bool {
	return r == AbandonWorkerChoice || r == AbandonExpired
}

// Note is the tag written on the terminal "stopped" interval.
func (r AbandonReason) Note() string {
	if r == AbandonExpired {
		return "grace-window-expired"
	}
	return "worker-abandon"
}

// AbandonSession force-closes an active session. Abandoning an already aborted session succeeds
// without changes. With reason expired the session's grace window must actually have elapsed.
func (r *Repository) AbandonSession(ctx context.Context, sessionID string, reason AbandonReason) (*models.Session, *RepositoryError) {
	if sessionID == "" {
		return nil, validationError("session_id is required")
	}
	if !reason.Valid() {
		return nil, validationError(fmt.Sprintf("unknown abandon reason %q", reason))
	}

	var session *models.Session
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		s, rerr := lockSession(t.db, sessionID)
		if rerr != nil {
			return rerr
		}
		session = s

		switch s.Status {
		case models.SessionAborted:
			return nil
		case models.SessionCompleted:
			return sessionNotActive(s)
		}

		if reason == AbandonExpired && Classify(s, "", t.now, t.grace) != OccupancyExpired {
			return newError(KindConflict, CodeGraceNotExpired, "Grace window has not expired",
				fmt.Sprintf("Session %s was last seen at %s", s.ID, s.LastSeen().Format(time.RFC3339)))
		}
		return r.abandon(t, s, reason)
	})
	if rerr != nil {
		return nil, rerr
	}
	return session, nil
}

// AbandonExpiredSessions sweeps every active session whose grace window elapsed and returns how
// many were abandoned. Sessions that fail are reported together; the sweep continues past them.
func (r *Repository) AbandonExpiredSessions(ctx context.Context) (int, error) {
	var candidates []models.Session
	err := r.db.WithContext(ctx).
		Where("status = ?", models.SessionActive).
		Find(&candidates).Error
	if err != nil {
		return 0, dbError(err)
	}

	var errs error
	abandoned := 0
	now, grace := r.now(), r.Grace()
	for i := range candidates {
		if Classify(&candidates[i], "", now, grace) != OccupancyExpired {
			continue
		}
		id := candidates[i].ID

		var done bool
		rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
			s, rerr := lockSession(t.db, id)
			if rerr != nil {
				return rerr
			}
			done, rerr = r.expireIfDue(t, s)
			return rerr
		})
		if rerr != nil {
			errs = multierr.Append(errs, fmt.Errorf("abandon session %s: %w", id, rerr))
			continue
		}
		if done {
			abandoned++
		}
	}
	return abandoned, errs
}

// expireIfDue abandons s with reason expired when its grace window has elapsed.
func (r *Repository) expireIfDue(t *txn, s *models.Session) (bool, *RepositoryError) {
	if !s.IsActive() || Classify(s, "", t.now, t.grace) != OccupancyExpired {
		return false, nil
	}
	if rerr := r.abandon(t, s, AbandonExpired); rerr != nil {
		return false, rerr
	}
	return true, nil
}

// abandon closes the open interval, appends the protected "stopped" interval tagged with the
// reason and aborts the session, releasing its station and worker locks.
func (r *Repository) abandon(t *txn, s *models.Session, reason AbandonReason) *RepositoryError {
	at := t.now
	if s.CurrentStatusEventID != nil {
		closed, rerr := r.closeInterval(t, s, at)
		switch {
		case rerr == nil:
			at = *closed.EndedAt
		case rerr.Code != CodeStatusEventAlreadyEnded:
			return rerr
		}
	}

	stopped, rerr := r.stoppedStatus(t.db)
	if rerr != nil {
		return rerr
	}
	terminal, rerr := r.appendClosedInterval(t, s, stopped, at, reason.Note())
	if rerr != nil {
		return rerr
	}

	err := t.db.Model(&models.Session{}).Where("session_id = ?", s.ID).Updates(map[string]any{
		"status":                  models.SessionAborted,
		"ended_at":                at,
		"forced_closed_at":        at,
		"current_status_event_id": terminal.ID,
		"active_station_id":       nil,
		"active_worker_id":        nil,
	}).Error
	if err != nil {
		return dbError(err)
	}
	s.Status = models.SessionAborted
	s.EndedAt = &at
	s.ForcedClosedAt = &at
	s.CurrentStatusEventID = &terminal.ID
	s.ActiveStationID = nil
	s.ActiveWorkerID = nil

	t.publish(eventbus.NewEvent(eventbus.SessionAbandoned, s.StationID, s.ID, s.WorkerID, at, map[string]any{
		"reason":          reason,
		"status_event_id": terminal.ID,
	}))
	t.onCommit(func() {
		r.observer.SessionAbandoned(string(reason))
		r.logger.Info("Session abandoned", "session", s.ID, "station", s.StationID, "worker", s.WorkerID, "reason", reason)
	})
	return nil
}

// lockSession loads a session for update
func lockSession(db *gorm.DB, sessionID string) (*models.Session, *RepositoryError) {
	var s models.Session
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("session_id = ?", sessionID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sessionNotFound(sessionID)
		}
		return nil, dbError(err)
	}
	return &s, nil
}

func sessionNotActive(s *models.Session) *RepositoryError {
	return newError(KindConflict, CodeSessionNotActive, "Session is no longer active",
		fmt.Sprintf("Session %s is %s", s.ID, s.Status))
}
