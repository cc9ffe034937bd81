package projector

import (
	"time"

	"github.com/google/uuid"
)

const (
	TableOperations      = "operations"
	TableFacilities      = "facilities"
	TablePersonnel       = "personnel"
	TableIAPDocuments    = "iap_documents"
	TableWorkAssignments = "work_assignments"
	TableGaps            = "gaps"
)

// Aggregate is a projection: read-optimized state rebuilt by folding events.
// Aggregates are owned exclusively by the Projector; everyone else sees
// clones handed out by the master data service.
type Aggregate interface {
	Table() string
	Key() string
	Operation() uuid.UUID
	LastUpdatedAt() time.Time
	LastEvent() uuid.UUID
	Clone() Aggregate
}

type Meta struct {
	OperationID uuid.UUID `json:"operation_id"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by"`
	LastEventID uuid.UUID `json:"last_event_id"`
}

func (m Meta) Operation() uuid.UUID     { return m.OperationID }
func (m Meta) LastUpdatedAt() time.Time { return m.UpdatedAt }
func (m Meta) LastEvent() uuid.UUID     { return m.LastEventID }

type Operation struct {
	Meta
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	DisasterType  string    `json:"disaster_type,omitempty"`
	SetupComplete bool      `json:"setup_complete"`
	CreatedAt     time.Time `json:"created_at"`
}

func (o *Operation) Table() string { return TableOperations }
func (o *Operation) Key() string   { return o.ID.String() }
func (o *Operation) Clone() Aggregate {
	c := *o
	return &c
}

type Facility struct {
	Meta
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind,omitempty"`
	Address   string    `json:"address,omitempty"`
	Status    string    `json:"status"`
	Capacity  int       `json:"capacity,omitempty"`
	Occupancy int       `json:"occupancy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (f *Facility) Table() string { return TableFacilities }
func (f *Facility) Key() string   { return f.ID }
func (f *Facility) Clone() Aggregate {
	c := *f
	return &c
}

type Personnel struct {
	Meta
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	Section    string `json:"section,omitempty"`
	FacilityID string `json:"facility_id,omitempty"`
	Status     string `json:"status"`
}

func (p *Personnel) Table() string { return TablePersonnel }
func (p *Personnel) Key() string   { return p.ID }
func (p *Personnel) Clone() Aggregate {
	c := *p
	return &c
}

type IAPSection struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

type SnapshotRef struct {
	SnapshotID string    `json:"snapshot_id"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

type IAPDocument struct {
	Meta
	ID        string                `json:"id"`
	Sections  map[string]IAPSection `json:"sections"`
	Version   int                   `json:"version"`
	Snapshots []SnapshotRef         `json:"snapshots,omitempty"`
}

func (d *IAPDocument) Table() string { return TableIAPDocuments }
func (d *IAPDocument) Key() string   { return d.ID }
func (d *IAPDocument) Clone() Aggregate {
	c := *d
	c.Sections = make(map[string]IAPSection, len(d.Sections))
	for name, section := range d.Sections {
		c.Sections[name] = section
	}
	c.Snapshots = append([]SnapshotRef(nil), d.Snapshots...)
	return &c
}

type WorkAssignment struct {
	Meta
	ID           string   `json:"id"`
	FacilityID   string   `json:"facility_id,omitempty"`
	Description  string   `json:"description"`
	PersonnelIDs []string `json:"personnel_ids,omitempty"`
	Status       string   `json:"status"`
}

func (w *WorkAssignment) Table() string { return TableWorkAssignments }
func (w *WorkAssignment) Key() string   { return w.ID }
func (w *WorkAssignment) Clone() Aggregate {
	c := *w
	c.PersonnelIDs = append([]string(nil), w.PersonnelIDs...)
	return &c
}

type Gap struct {
	Meta
	ID         string `json:"id"`
	FacilityID string `json:"facility_id,omitempty"`
	Role       string `json:"role"`
	Quantity   int    `json:"quantity"`
	Status     string `json:"status"`
}

const (
	GapStatusOpen     = "open"
	GapStatusResolved = "resolved"
)

func (g *Gap) Table() string { return TableGaps }
func (g *Gap) Key() string   { return g.ID }
func (g *Gap) Clone() Aggregate {
	c := *g
	return &c
}

func AllTables() []string {
	return []string{
		TableOperations,
		TableFacilities,
		TablePersonnel,
		TableIAPDocuments,
		TableWorkAssignments,
		TableGaps,
	}
}
