package models

// Job is a customer order decomposed into job items
type Job struct {
	ID           string `gorm:"column:job_id;primaryKey;type:varchar(50)" json:"id"`
	JobNumber    string `gorm:"column:job_number;type:varchar(50);uniqueIndex;not null" json:"job_number"`
	CustomerName string `gorm:"column:customer_name;type:varchar(100)" json:"customer_name"`

	// Relationships
	Items []JobItem `gorm:"foreignKey:JobID" json:"items,omitempty"`
}

// JobItem is produced through an ordered pipeline of steps
type JobItem struct {
	ID              string `gorm:"column:job_item_id;primaryKey;type:varchar(50)" json:"id"`
	JobID           string `gorm:"column:job_id;type:varchar(50);index;not null" json:"job_id"`
	Job             *Job   `gorm:"foreignKey:JobID" json:"-"`
	Name            string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	PlannedQuantity int64  `gorm:"column:planned_quantity;not null;default:0" json:"planned_quantity"`

	// Relationships
	Steps []JobItemStep `gorm:"foreignKey:JobItemID" json:"steps,omitempty"`
}

// JobItemStep is one station-bound stage of a job item's pipeline.
// Position is 1-based; (job item, position) is unique so a pipeline cannot assign two steps to one slot.
type JobItemStep struct {
	ID         string   `gorm:"column:job_item_step_id;primaryKey;type:varchar(50)" json:"id"`
	JobItemID  string   `gorm:"column:job_item_id;type:varchar(50);not null;uniqueIndex:idx_job_item_steps_position" json:"job_item_id"`
	JobItem    *JobItem `gorm:"foreignKey:JobItemID" json:"-"`
	StationID  string   `gorm:"column:station_id;type:varchar(50);index;not null" json:"station_id"`
	Station    *Station `gorm:"foreignKey:StationID" json:"-"`
	Position   int      `gorm:"column:position;not null;uniqueIndex:idx_job_item_steps_position" json:"position"`
	IsTerminal bool     `gorm:"column:is_terminal;not null;default:false" json:"is_terminal"`
}
