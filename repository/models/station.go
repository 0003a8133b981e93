package models

// Station represents a physical production resource. At most one active session holds it.
type Station struct {
	ID       string `gorm:"column:station_id;primaryKey;type:varchar(50)" json:"id"`
	Name     string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Type     string `gorm:"column:station_type;type:varchar(50)" json:"type"`
	IsActive bool   `gorm:"column:is_active;not null" json:"is_active"`

	// Relationships
	Steps    []JobItemStep `gorm:"foreignKey:StationID" json:"-"`
	Sessions []Session     `gorm:"foreignKey:StationID" json:"-"`
}
