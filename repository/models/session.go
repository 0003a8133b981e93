package models

import "time"

// SessionStatus is the lifecycle status of a session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Session represents one worker's continuous occupancy of one station for one pipeline step.
//
// ActiveStationID and ActiveWorkerID mirror StationID/WorkerID while the session is active and are
// NULL otherwise. Their unique indexes let the database reject a second active session on the same
// station (or for the same worker) even when two requests race past the occupancy check.
type Session struct {
	ID                   string        `gorm:"column:session_id;primaryKey;type:varchar(50)" json:"id"`
	WorkerID             string        `gorm:"column:worker_id;type:varchar(50);index;not null" json:"worker_id"`
	Worker               *Worker       `gorm:"foreignKey:WorkerID" json:"-"`
	StationID            string        `gorm:"column:station_id;type:varchar(50);index;not null" json:"station_id"`
	Station              *Station      `gorm:"foreignKey:StationID" json:"-"`
	JobID                string        `gorm:"column:job_id;type:varchar(50);index;not null" json:"job_id"`
	JobItemStepID        string        `gorm:"column:job_item_step_id;type:varchar(50);index;not null" json:"job_item_step_id"`
	JobItemStep          *JobItemStep  `gorm:"foreignKey:JobItemStepID" json:"-"`
	Status               SessionStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	CurrentStatusEventID *string       `gorm:"column:current_status_event_id;type:varchar(50)" json:"current_status_event_id"`
	ActiveStationID      *string       `gorm:"column:active_station_id;type:varchar(50);uniqueIndex" json:"-"`
	ActiveWorkerID       *string       `gorm:"column:active_worker_id;type:varchar(50);uniqueIndex" json:"-"`
	StartedAt            time.Time     `gorm:"column:started_at;not null" json:"started_at"`
	EndedAt              *time.Time    `gorm:"column:ended_at" json:"ended_at"`
	LastSeenAt           *time.Time    `gorm:"column:last_seen_at" json:"last_seen_at"`
	ForcedClosedAt       *time.Time    `gorm:"column:forced_closed_at" json:"forced_closed_at"`
	TotalGood            int64         `gorm:"column:total_good;not null;default:0" json:"total_good"`
	TotalScrap           int64         `gorm:"column:total_scrap;not null;default:0" json:"total_scrap"`
	ScrapReportSubmitted bool          `gorm:"column:scrap_report_submitted;not null;default:false" json:"scrap_report_submitted"`

	// Relationships
	StatusEvents []StatusEvent `gorm:"foreignKey:SessionID" json:"-"`
}

// IsActive reports whether the session still holds its station
func (s *Session) IsActive() bool {
	return s.Status == SessionActive && s.EndedAt == nil && s.ForcedClosedAt == nil
}

// LastSeen is the liveness reference point: the last heartbeat, or the start when none arrived yet.
func (s *Session) LastSeen() time.Time {
	if s.LastSeenAt != nil {
		return *s.LastSeenAt
	}
	return s.StartedAt
}
