package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeOperationCreated      Type = "OPERATION_CREATED"
	TypeSetupCompleted        Type = "SETUP_COMPLETED"
	TypeFacilityCreated       Type = "FACILITY_CREATED"
	TypeFacilityUpdated       Type = "FACILITY_UPDATED"
	TypeFacilityClosed        Type = "FACILITY_CLOSED"
	TypePersonnelRegistered   Type = "PERSONNEL_REGISTERED"
	TypePersonnelAssigned     Type = "PERSONNEL_ASSIGNED"
	TypePersonnelUpdated      Type = "PERSONNEL_UPDATED"
	TypeIAPSectionUpdated     Type = "IAP_SECTION_UPDATED"
	TypeIAPSnapshotCreated    Type = "IAP_SNAPSHOT_CREATED"
	TypeWorkAssignmentCreated Type = "WORK_ASSIGNMENT_CREATED"
	TypeWorkAssignmentUpdated Type = "WORK_ASSIGNMENT_UPDATED"
	TypeGapIdentified         Type = "GAP_IDENTIFIED"
	TypeGapResolved           Type = "GAP_RESOLVED"
)

var ErrUnknownType = errors.New("unknown event type")

// Payload is the closed union of event payloads, one variant per event type.
type Payload interface {
	Type() Type
}

type OperationCreated struct {
	Name         string `json:"name"`
	DisasterType string `json:"disaster_type,omitempty"`
}

type SetupCompleted struct {
	CompletedBy string `json:"completed_by"`
	Notes       string `json:"notes,omitempty"`
}

type FacilityCreated struct {
	FacilityID string `json:"facility_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	Address    string `json:"address,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
}

type FacilityUpdated struct {
	FacilityID string  `json:"facility_id"`
	Name       *string `json:"name,omitempty"`
	Status     *string `json:"status,omitempty"`
	Address    *string `json:"address,omitempty"`
	Capacity   *int    `json:"capacity,omitempty"`
	Occupancy  *int    `json:"occupancy,omitempty"`
}

type FacilityClosed struct {
	FacilityID string `json:"facility_id"`
	Reason     string `json:"reason,omitempty"`
}

type PersonnelRegistered struct {
	PersonnelID string `json:"personnel_id"`
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
}

type PersonnelAssigned struct {
	PersonnelID string `json:"personnel_id"`
	FacilityID  string `json:"facility_id"`
	Section     string `json:"section,omitempty"`
}

type PersonnelUpdated struct {
	PersonnelID string  `json:"personnel_id"`
	Name        *string `json:"name,omitempty"`
	Role        *string `json:"role,omitempty"`
	Section     *string `json:"section,omitempty"`
	Status      *string `json:"status,omitempty"`
}

type IAPSectionUpdated struct {
	DocumentID string `json:"document_id"`
	Section    string `json:"section"`
	Content    string `json:"content"`
}

type IAPSnapshotCreated struct {
	DocumentID string `json:"document_id"`
	SnapshotID string `json:"snapshot_id"`
	Version    int    `json:"version"`
}

type WorkAssignmentCreated struct {
	AssignmentID string   `json:"assignment_id"`
	FacilityID   string   `json:"facility_id,omitempty"`
	Description  string   `json:"description"`
	PersonnelIDs []string `json:"personnel_ids,omitempty"`
}

type WorkAssignmentUpdated struct {
	AssignmentID string   `json:"assignment_id"`
	Status       *string  `json:"status,omitempty"`
	Description  *string  `json:"description,omitempty"`
	PersonnelIDs []string `json:"personnel_ids,omitempty"`
}

type GapIdentified struct {
	GapID      string `json:"gap_id"`
	FacilityID string `json:"facility_id,omitempty"`
	Role       string `json:"role"`
	Quantity   int    `json:"quantity"`
}

type GapResolved struct {
	GapID string `json:"gap_id"`
}

func (OperationCreated) Type() Type      { return TypeOperationCreated }
func (SetupCompleted) Type() Type        { return TypeSetupCompleted }
func (FacilityCreated) Type() Type       { return TypeFacilityCreated }
func (FacilityUpdated) Type() Type       { return TypeFacilityUpdated }
func (FacilityClosed) Type() Type        { return TypeFacilityClosed }
func (PersonnelRegistered) Type() Type   { return TypePersonnelRegistered }
func (PersonnelAssigned) Type() Type     { return TypePersonnelAssigned }
func (PersonnelUpdated) Type() Type      { return TypePersonnelUpdated }
func (IAPSectionUpdated) Type() Type     { return TypeIAPSectionUpdated }
func (IAPSnapshotCreated) Type() Type    { return TypeIAPSnapshotCreated }
func (WorkAssignmentCreated) Type() Type { return TypeWorkAssignmentCreated }
func (WorkAssignmentUpdated) Type() Type { return TypeWorkAssignmentUpdated }
func (GapIdentified) Type() Type         { return TypeGapIdentified }
func (GapResolved) Type() Type           { return TypeGapResolved }

// Decode unmarshals raw payload bytes into the variant for the given type.
func Decode(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeOperationCreated:
		p, err = decodeAs[OperationCreated](raw)
	case TypeSetupCompleted:
		p, err = decodeAs[SetupCompleted](raw)
	case TypeFacilityCreated:
		p, err = decodeAs[FacilityCreated](raw)
	case TypeFacilityUpdated:
		p, err = decodeAs[FacilityUpdated](raw)
	case TypeFacilityClosed:
		p, err = decodeAs[FacilityClosed](raw)
	case TypePersonnelRegistered:
		p, err = decodeAs[PersonnelRegistered](raw)
	case TypePersonnelAssigned:
		p, err = decodeAs[PersonnelAssigned](raw)
	case TypePersonnelUpdated:
		p, err = decodeAs[PersonnelUpdated](raw)
	case TypeIAPSectionUpdated:
		p, err = decodeAs[IAPSectionUpdated](raw)
	case TypeIAPSnapshotCreated:
		p, err = decodeAs[IAPSnapshotCreated](raw)
	case TypeWorkAssignmentCreated:
		p, err = decodeAs[WorkAssignmentCreated](raw)
	case TypeWorkAssignmentUpdated:
		p, err = decodeAs[WorkAssignmentUpdated](raw)
	case TypeGapIdentified:
		p, err = decodeAs[GapIdentified](raw)
	case TypeGapResolved:
		p, err = decodeAs[GapResolved](raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return p, err
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode marshals a payload variant for the envelope.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, errors.New("payload is nil")
	}
	return json.Marshal(p)
}

// EntityID returns the id of the aggregate the payload targets, empty for
// operation-level events.
func EntityID(p Payload) string {
	switch v := p.(type) {
	case FacilityCreated:
		return v.FacilityID
	case FacilityUpdated:
		return v.FacilityID
	case FacilityClosed:
		return v.FacilityID
	case PersonnelRegistered:
		return v.PersonnelID
	case PersonnelAssigned:
		return v.PersonnelID
	case PersonnelUpdated:
		return v.PersonnelID
	case IAPSectionUpdated:
		return v.DocumentID
	case IAPSnapshotCreated:
		return v.DocumentID
	case WorkAssignmentCreated:
		return v.AssignmentID
	case WorkAssignmentUpdated:
		return v.AssignmentID
	case GapIdentified:
		return v.GapID
	case GapResolved:
		return v.GapID
	default:
		return ""
	}
}
