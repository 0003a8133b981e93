package models

import "time"

// WipBalance holds the completed-but-not-yet-consumed good units of one pipeline step.
// The check constraint backs the non-negative invariant at the storage layer.
type WipBalance struct {
	JobItemStepID     string       `gorm:"column:job_item_step_id;primaryKey;type:varchar(50)" json:"job_item_step_id"`
	JobItemStep       *JobItemStep `gorm:"foreignKey:JobItemStepID" json:"-"`
	AvailableQuantity int64        `gorm:"column:available_quantity;not null;default:0;check:chk_wip_balances_non_negative,available_quantity >= 0" json:"available_quantity"`
	UpdatedAt         time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}
