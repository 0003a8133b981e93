package models

// Worker represents a person who checks into stations. Provisioned externally, read-only here.
type Worker struct {
	ID   string `gorm:"column:worker_id;primaryKey;type:varchar(50)" json:"id"`
	Name string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Role string `gorm:"column:role;type:varchar(50)" json:"role"`

	// Relationships
	Sessions []Session `gorm:"foreignKey:WorkerID" json:"-"`
}
