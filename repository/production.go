package repository

import (
	"context"
	"fmt"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"gorm.io/gorm"
)

// CloseProductionInput reports the quantities produced during a production interval
type CloseProductionInput struct {
	SessionID     string
	StatusEventID string
	QuantityGood  int64
	QuantityScrap int64
	// NextStatus is the id or code of the interval opened in its place.
	NextStatus string
}

// CloseProductionResult is what a committed closeProduction produced
type CloseProductionResult struct {
	Session  *models.Session     `json:"session"`
	Closed   *models.StatusEvent `json:"closed_status_event"`
	Next     *models.StatusEvent `json:"status_event"`
	Balance  *models.WipBalance  `json:"wip_balance"`
	Upstream *models.WipBalance  `json:"upstream_wip_balance,omitempty"`
}

// CloseProduction closes a production interval with its quantities, opens the next interval,
// adds the quantities to the session totals and credits the step's WIP balance. All of it is one
// transaction: a failing ledger update leaves the interval open and the totals untouched.
func (r *Repository) CloseProduction(ctx context.Context, in CloseProductionInput) (*CloseProductionResult, *RepositoryError) {
	switch {
	case in.SessionID == "":
		return nil, validationError("session_id is required")
	case in.StatusEventID == "":
		return nil, validationError("status_event_id is required")
	case in.NextStatus == "":
		return nil, validationError("next_status_id is required")
	case in.QuantityGood < 0 || in.QuantityScrap < 0:
		return nil, validationError(fmt.Sprintf("quantities must not be negative (good=%d, scrap=%d)", in.QuantityGood, in.QuantityScrap))
	}

	var result CloseProductionResult
	validated := false
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		s, event, next, rerr := r.validateCloseProduction(t, in)
		if rerr != nil {
			return rerr
		}
		if s == nil {
			// abandoned on read, result already set via commitWith
			return nil
		}
		validated = true

		endedAt := laterOf(t.now, event.StartedAt)
		stepID := s.JobItemStepID
		rerr = closeOpenEvent(t.db, event, endedAt, map[string]any{
			"quantity_good":    in.QuantityGood,
			"quantity_scrap":   in.QuantityScrap,
			"job_item_step_id": stepID,
		})
		if rerr != nil {
			return rerr
		}
		event.QuantityGood = &in.QuantityGood
		event.QuantityScrap = &in.QuantityScrap
		event.JobItemStepID = &stepID

		opened, rerr := r.openInterval(t, s, next, endedAt)
		if rerr != nil {
			return rerr
		}

		if rerr := addTotals(t, s, in.QuantityGood, in.QuantityScrap); rerr != nil {
			return rerr
		}

		balance, upstream, rerr := r.applyProduction(t, s, in.QuantityGood, in.QuantityScrap)
		if rerr != nil {
			return rerr
		}

		result = CloseProductionResult{Session: s, Closed: event, Next: opened, Balance: balance, Upstream: upstream}
		t.publish(eventbus.NewEvent(eventbus.SessionStatusChanged, s.StationID, s.ID, s.WorkerID, endedAt, map[string]any{
			"status":                   next.Code,
			"machine_state":            next.MachineState,
			"status_event_id":          opened.ID,
			"previous_status_event_id": event.ID,
			"quantity_good":            in.QuantityGood,
			"quantity_scrap":           in.QuantityScrap,
		}))
		return nil
	})
	if rerr != nil {
		if validated {
			r.observer.TransitionRolledBack(rerr.Code)
			r.logger.Error("Close production rolled back", "session", in.SessionID, "event", in.StatusEventID, "code", rerr.Code, "detail", rerr.Detail)
		}
		return nil, rerr
	}

	r.observer.TransitionCommitted("close_production")
	r.logger.Info("Production interval closed", "session", in.SessionID, "event", in.StatusEventID,
		"good", in.QuantityGood, "scrap", in.QuantityScrap, "next", result.Next.StatusCode)
	return &result, nil
}

// validateCloseProduction checks everything closeProduction needs before its first write.
// A nil session with a nil error means the session expired and was abandoned instead.
func (r *Repository) validateCloseProduction(t *txn, in CloseProductionInput) (*models.Session, *models.StatusEvent, models.StatusDefinition, *RepositoryError) {
	var next models.StatusDefinition

	s, rerr := lockSession(t.db, in.SessionID)
	if rerr != nil {
		return nil, nil, next, rerr
	}

	event, rerr := findStatusEvent(t.db, in.StatusEventID)
	if rerr != nil {
		return nil, nil, next, rerr
	}
	if event.SessionID != s.ID {
		return nil, nil, next, newError(KindValidation, CodeStatusEventSessionMismatch, "Status event belongs to another session",
			fmt.Sprintf("Status event %s does not belong to session %s", event.ID, s.ID))
	}
	if !event.IsOpen() {
		return nil, nil, next, statusEventAlreadyEnded(event.ID)
	}
	if !s.IsActive() {
		return nil, nil, next, sessionNotActive(s)
	}

	current, rerr := r.resolveStatus(t.db, event.StatusID)
	if rerr != nil {
		return nil, nil, next, rerr
	}
	if current.MachineState != models.MachineStateProduction {
		return nil, nil, next, newError(KindValidation, CodeStatusEventNotProduction, "Status event is not a production interval",
			fmt.Sprintf("Status event %s is in status %s", event.ID, current.Code))
	}

	next, rerr = r.resolveStatus(t.db, in.NextStatus)
	if rerr != nil {
		return nil, nil, next, rerr
	}
	// the quantity path cannot carry a report
	if rerr := checkSelectable(next, false); rerr != nil {
		return nil, nil, next, rerr
	}

	expired, rerr := r.expireIfDue(t, s)
	if rerr != nil {
		return nil, nil, next, rerr
	}
	if expired {
		return nil, nil, next, t.commitWith(newError(KindConflict, CodeSessionNotActive, "Session is no longer active",
			fmt.Sprintf("Session %s was abandoned after its grace window expired", s.ID)))
	}
	return s, event, next, nil
}

func addTotals(t *txn, s *models.Session, good, scrap int64) *RepositoryError {
	seen := t.now
	err := t.db.Model(&models.Session{}).Where("session_id = ?", s.ID).Updates(map[string]any{
		"total_good":   gorm.Expr("total_good + ?", good),
		"total_scrap":  gorm.Expr("total_scrap + ?", scrap),
		"last_seen_at": seen,
	}).Error
	if err != nil {
		return dbError(err)
	}
	s.TotalGood += good
	s.TotalScrap += scrap
	s.LastSeenAt = &seen
	return nil
}
