package models

// MachineState is what a status tells about the physical machine, independent of its label.
type MachineState string

const (
	MachineStateSetup       MachineState = "setup"
	MachineStateProduction  MachineState = "production"
	MachineStateStopped     MachineState = "stopped"
	MachineStateMalfunction MachineState = "malfunction"
	MachineStateIdle        MachineState = "idle"
)

// Valid reports whether s is one of the known machine states.
func (s MachineState) Valid() bool {
	switch s {
	case MachineStateSetup, MachineStateProduction, MachineStateStopped, MachineStateMalfunction, MachineStateIdle:
		return true
	}
	return false
}

// ReportType classifies a report attached to a status change.
type ReportType string

const (
	ReportTypeGeneral     ReportType = "general"
	ReportTypeMalfunction ReportType = "malfunction"
	ReportTypeScrap       ReportType = "scrap"
)

// Valid reports whether t is one of the known report types.
func (t ReportType) Valid() bool {
	switch t {
	case ReportTypeGeneral, ReportTypeMalfunction, ReportTypeScrap:
		return true
	}
	return false
}

// Seeded status codes the session lifecycle depends on.
const (
	StatusCodeSetup       = "setup"
	StatusCodeProduction  = "production"
	StatusCodeStoppage    = "stoppage"
	StatusCodeMalfunction = "malfunction"
	StatusCodeStopped     = "stopped"
)

// StatusDefinition is a status a station can be in during a session.
// Business rules live in explicit fields rather than in the label text.
type StatusDefinition struct {
	ID             string       `gorm:"column:status_id;primaryKey;type:varchar(50)" json:"id"`
	Code           string       `gorm:"column:code;type:varchar(50);uniqueIndex;not null" json:"code"`
	Label          string       `gorm:"column:label;type:varchar(100);not null" json:"label"`
	MachineState   MachineState `gorm:"column:machine_state;type:varchar(20);not null" json:"machine_state"`
	RequiresReport bool         `gorm:"column:requires_report;not null;default:false" json:"requires_report"`
	ReportType     ReportType   `gorm:"column:report_type;type:varchar(20)" json:"report_type,omitempty"`
	// Protected statuses are reserved for the system (abandonment) and cannot be chosen by clients.
	IsProtected bool `gorm:"column:is_protected;not null;default:false" json:"is_protected"`
	IsTerminal  bool `gorm:"column:is_terminal;not null;default:false" json:"is_terminal"`
}

// DefaultStatusDefinitions returns the statuses every deployment needs.
func DefaultStatusDefinitions() []StatusDefinition {
	return []StatusDefinition{
		{ID: StatusCodeSetup, Code: StatusCodeSetup, Label: "Setup", MachineState: MachineStateSetup},
		{ID: StatusCodeProduction, Code: StatusCodeProduction, Label: "Production", MachineState: MachineStateProduction},
		{ID: StatusCodeStoppage, Code: StatusCodeStoppage, Label: "Stoppage", MachineState: MachineStateStopped, ReportType: ReportTypeGeneral},
		{ID: StatusCodeMalfunction, Code: StatusCodeMalfunction, Label: "Malfunction", MachineState: MachineStateMalfunction, RequiresReport: true, ReportType: ReportTypeMalfunction},
		{ID: StatusCodeStopped, Code: StatusCodeStopped, Label: "Stopped", MachineState: MachineStateStopped, IsProtected: true, IsTerminal: true},
	}
}
