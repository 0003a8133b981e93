package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Timeline returns the status events of a session in order. An active session whose grace
// expired is abandoned first, so the events include its terminal interval.
func (r *Repository) Timeline(ctx context.Context, sessionID string) ([]models.StatusEvent, *RepositoryError) {
	var events []models.StatusEvent
	rerr := r.inTx(ctx, func(t *txn) *RepositoryError {
		s, rerr := lockSession(t.db, sessionID)
		if rerr != nil {
			return rerr
		}
		if _, rerr := r.expireIfDue(t, s); rerr != nil {
			return rerr
		}
		if err := t.db.Where("session_id = ?", s.ID).Order("sequence").Find(&events).Error; err != nil {
			return dbError(err)
		}
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return events, nil
}

// openInterval closes whatever interval of the session is open at startedAt and opens a new one
// for status starting at the same instant. The new start is never earlier than the start of the
// interval it replaces, so a clock step backwards cannot produce an overlap.
func (r *Repository) openInterval(t *txn, session *models.Session, status models.StatusDefinition, startedAt time.Time) (*models.StatusEvent, *RepositoryError) {
	var open models.StatusEvent
	err := t.db.Where("session_id = ? AND ended_at IS NULL", session.ID).First(&open).Error
	switch {
	case err == nil:
		startedAt = laterOf(startedAt, open.StartedAt)
		if rerr := closeOpenEvent(t.db, &open, startedAt, nil); rerr != nil {
			return nil, rerr
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, dbError(err)
	}

	seq, rerr := nextSequence(t.db, session.ID)
	if rerr != nil {
		return nil, rerr
	}

	event := &models.StatusEvent{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Sequence:   seq,
		StatusID:   status.ID,
		StatusCode: status.Code,
		StartedAt:  startedAt,
	}
	if err := t.db.Create(event).Error; err != nil {
		return nil, dbError(err)
	}

	if err := t.db.Model(&models.Session{}).Where("session_id = ?", session.ID).
		Update("current_status_event_id", event.ID).Error; err != nil {
		return nil, dbError(err)
	}
	session.CurrentStatusEventID = &event.ID
	return event, nil
}

// closeInterval ends the interval the session points at without opening a replacement.
func (r *Repository) closeInterval(t *txn, session *models.Session, endedAt time.Time) (*models.StatusEvent, *RepositoryError) {
	if session.CurrentStatusEventID == nil {
		return nil, newError(KindConflict, CodeStatusEventAlreadyEnded, "Session has no open status event",
			fmt.Sprintf("Session %s has no open status event", session.ID))
	}

	event, rerr := findStatusEvent(t.db, *session.CurrentStatusEventID)
	if rerr != nil {
		return nil, rerr
	}
	if event.SessionID != session.ID {
		return nil, newError(KindIntegrity, CodeSessionMismatch, "Status event belongs to another session",
			fmt.Sprintf("Status event %s belongs to session %s, not %s", event.ID, event.SessionID, session.ID))
	}
	if !event.IsOpen() {
		return nil, statusEventAlreadyEnded(event.ID)
	}

	if rerr := closeOpenEvent(t.db, event, laterOf(endedAt, event.StartedAt), nil); rerr != nil {
		return nil, rerr
	}
	return event, nil
}

// appendClosedInterval records a zero-length interval at at, after the session's last interval.
func (r *Repository) appendClosedInterval(t *txn, session *models.Session, status models.StatusDefinition, at time.Time, note string) (*models.StatusEvent, *RepositoryError) {
	seq, rerr := nextSequence(t.db, session.ID)
	if rerr != nil {
		return nil, rerr
	}
	ended := at
	event := &models.StatusEvent{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Sequence:   seq,
		StatusID:   status.ID,
		StatusCode: status.Code,
		StartedAt:  at,
		EndedAt:    &ended,
		Note:       &note,
	}
	if err := t.db.Create(event).Error; err != nil {
		return nil, dbError(err)
	}
	return event, nil
}

// closeOpenEvent ends event at endedAt. The update only matches while the event is still open,
// so a concurrent close shows up as STATUS_EVENT_ALREADY_ENDED instead of a second end time.
func closeOpenEvent(db *gorm.DB, event *models.StatusEvent, endedAt time.Time, extra map[string]any) *RepositoryError {
	updates := map[string]any{"ended_at": endedAt}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&models.StatusEvent{}).
		Where("status_event_id = ? AND ended_at IS NULL", event.ID).
		Updates(updates)
	if res.Error != nil {
		return dbError(res.Error)
	}
	if res.RowsAffected == 0 {
		return statusEventAlreadyEnded(event.ID)
	}
	event.EndedAt = &endedAt
	return nil
}

func findStatusEvent(db *gorm.DB, eventID string) (*models.StatusEvent, *RepositoryError) {
	var event models.StatusEvent
	if err := db.Where("status_event_id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, CodeStatusEventNotFound, "Status event does not exist",
				fmt.Sprintf("Status event with id %s does not exist", eventID))
		}
		return nil, dbError(err)
	}
	return &event, nil
}

func statusEventAlreadyEnded(eventID string) *RepositoryError {
	return newError(KindConflict, CodeStatusEventAlreadyEnded, "Status event already ended",
		fmt.Sprintf("Status event %s is already closed", eventID))
}

func nextSequence(db *gorm.DB, sessionID string) (int, *RepositoryError) {
	var last int
	err := db.Model(&models.StatusEvent{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, dbError(err)
	}
	return last + 1, nil
}
