package models

import "time"

// Report is attached to the status event it was filed with
type Report struct {
	ID            string       `gorm:"column:report_id;primaryKey;type:varchar(50)" json:"id"`
	SessionID     string       `gorm:"column:session_id;type:varchar(50);index;not null" json:"session_id"`
	Session       *Session     `gorm:"foreignKey:SessionID" json:"-"`
	StatusEventID string       `gorm:"column:status_event_id;type:varchar(50);index;not null" json:"status_event_id"`
	StatusEvent   *StatusEvent `gorm:"foreignKey:StatusEventID" json:"-"`
	StationID     string       `gorm:"column:station_id;type:varchar(50);index;not null" json:"station_id"`
	WorkerID      string       `gorm:"column:worker_id;type:varchar(50);index;not null" json:"worker_id"`
	Type          ReportType   `gorm:"column:report_type;type:varchar(20);not null" json:"type"`
	Description   string       `gorm:"column:description;type:text" json:"description"`
	ImageURL      *string      `gorm:"column:image_url;type:varchar(255)" json:"image_url,omitempty"`
	CreatedAt     time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}
