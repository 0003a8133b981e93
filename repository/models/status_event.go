package models

import "time"

// StatusEvent is one interval of a session's timeline.
//
// While a session is active exactly one of its events has a NULL ended_at; the partial unique
// index on session_id enforces that in storage. Sequence orders events within a session.
type StatusEvent struct {
	ID            string     `gorm:"column:status_event_id;primaryKey;type:varchar(50)" json:"id"`
	SessionID     string     `gorm:"column:session_id;type:varchar(50);not null;uniqueIndex:idx_status_events_open,where:ended_at IS NULL;uniqueIndex:idx_status_events_sequence" json:"session_id"`
	Session       *Session   `gorm:"foreignKey:SessionID" json:"-"`
	Sequence      int        `gorm:"column:sequence;not null;uniqueIndex:idx_status_events_sequence" json:"sequence"`
	StatusID      string     `gorm:"column:status_id;type:varchar(50);not null" json:"status_id"`
	StatusCode    string     `gorm:"column:status_code;type:varchar(50);not null" json:"status_code"`
	StartedAt     time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	EndedAt       *time.Time `gorm:"column:ended_at" json:"ended_at"`
	ReportID      *string    `gorm:"column:report_id;type:varchar(50)" json:"report_id,omitempty"`
	QuantityGood  *int64     `gorm:"column:quantity_good" json:"quantity_good,omitempty"`
	QuantityScrap *int64     `gorm:"column:quantity_scrap" json:"quantity_scrap,omitempty"`
	JobItemStepID *string    `gorm:"column:job_item_step_id;type:varchar(50)" json:"job_item_step_id,omitempty"`
	Note          *string    `gorm:"column:note;type:varchar(100)" json:"note,omitempty"`
}

// IsOpen reports whether the interval has not been closed yet
func (e *StatusEvent) IsOpen() bool {
	return e.EndedAt == nil
}
