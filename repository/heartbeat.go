package repository

import (
	"context"
	"fmt"

	"github.com/Rainerrr/Gestelit-sub005/repository/models"
)

// RecordHeartbeat refreshes the liveness of an active session. Its only write is last_seen_at,
// unless the grace window already elapsed, in which case the session is abandoned instead.
func (r *Repository) RecordHeartbeat(ctx context.Context, sessionID string) (*models.Session, *RepositoryError) {
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
			return sessionNotActive(s)
		}

		expired, rerr := r.expireIfDue(t, s)
		if rerr != nil {
			return rerr
		}
		if expired {
			return t.commitWith(newError(KindConflict, CodeSessionNotActive, "Session is no longer active",
				fmt.Sprintf("Session %s was abandoned after its grace window expired", s.ID)))
		}

		seen := t.now
		if err := t.db.Model(&models.Session{}).Where("session_id = ?", s.ID).Update("last_seen_at", seen).Error; err != nil {
			return dbError(err)
		}
		s.LastSeenAt = &seen
		session = s
		return nil
	})
	if rerr != nil {
		r.logger.Debug("Heartbeat rejected", "session", sessionID, "code", rerr.Code)
		return nil, rerr
	}

	r.observer.HeartbeatRecorded()
	r.logger.Debug("Heartbeat recorded", "session", sessionID)
	return session, nil
}
