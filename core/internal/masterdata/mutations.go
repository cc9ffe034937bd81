package masterdata

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"incident-ops-planning-system/core/internal/projector"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/workflow"
)

// The UI writes exclusively through these entry points. Each one validates
// its preconditions against the projection, then commits a typed event; the
// projector is the only thing that ever mutates aggregate state.

// CreateOperation starts a new operation and makes it the active one.
func (s *Service) CreateOperation(ctx context.Context, name string, disasterType string) (uuid.UUID, error) {
	if strings.TrimSpace(name) == "" {
		return uuid.Nil, fmt.Errorf("%w: operation name required", ErrInvalidInput)
	}
	opID := uuid.New()

	s.opMu.Lock()
	s.proj.Reset()
	s.currentOp = opID
	s.opMu.Unlock()

	if _, err := s.commit(ctx, opID, events.OperationCreated{Name: name, DisasterType: disasterType}); err != nil {
		return uuid.Nil, err
	}
	return opID, nil
}

// CompleteSetup marks the active operation's initial setup as done.
func (s *Service) CompleteSetup(ctx context.Context, notes string) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	_, err = s.commit(ctx, opID, events.SetupCompleted{CompletedBy: s.identity.ActorID, Notes: notes})
	return err
}

func (s *Service) CreateFacility(ctx context.Context, p events.FacilityCreated) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if p.FacilityID == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: facility id and name required", ErrInvalidInput)
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

func (s *Service) UpdateFacility(ctx context.Context, p events.FacilityUpdated) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	agg, ok := s.GetAggregate(projector.TableFacilities, p.FacilityID)
	if !ok {
		return fmt.Errorf("%w: facility %s", ErrNotFound, p.FacilityID)
	}
	if p.Status != nil {
		from := agg.(*projector.Facility).Status
		to := workflow.Normalize(*p.Status)
		if !workflow.CanFacilityTransition(from, to) {
			return fmt.Errorf("%w: facility %s cannot move %s -> %s", ErrInvalidInput, p.FacilityID, from, to)
		}
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

func (s *Service) CloseFacility(ctx context.Context, facilityID string, reason string) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	agg, ok := s.GetAggregate(projector.TableFacilities, facilityID)
	if !ok {
		return fmt.Errorf("%w: facility %s", ErrNotFound, facilityID)
	}
	from := agg.(*projector.Facility).Status
	if !workflow.CanFacilityTransition(from, workflow.FacilityStatusClosed) {
		return fmt.Errorf("%w: facility %s cannot close from %s", ErrInvalidInput, facilityID, from)
	}
	_, err = s.commit(ctx, opID, events.FacilityClosed{FacilityID: facilityID, Reason: reason})
	return err
}

func (s *Service) RegisterPersonnel(ctx context.Context, p events.PersonnelRegistered) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if p.PersonnelID == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: personnel id and name required", ErrInvalidInput)
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

// AssignPersonnel places a registered person at an existing facility.
func (s *Service) AssignPersonnel(ctx context.Context, p events.PersonnelAssigned) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if _, ok := s.GetAggregate(projector.TablePersonnel, p.PersonnelID); !ok {
		return fmt.Errorf("%w: personnel %s", ErrNotFound, p.PersonnelID)
	}
	if _, ok := s.GetAggregate(projector.TableFacilities, p.FacilityID); !ok {
		return fmt.Errorf("%w: facility %s", ErrNotFound, p.FacilityID)
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

func (s *Service) UpdatePersonnel(ctx context.Context, p events.PersonnelUpdated) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if _, ok := s.GetAggregate(projector.TablePersonnel, p.PersonnelID); !ok {
		return fmt.Errorf("%w: personnel %s", ErrNotFound, p.PersonnelID)
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

// UpdateIAPSection writes one section of an IAP document. The document is
// created by its first section write.
func (s *Service) UpdateIAPSection(ctx context.Context, documentID string, section string, content string) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if documentID == "" || strings.TrimSpace(section) == "" {
		return fmt.Errorf("%w: document id and section required", ErrInvalidInput)
	}
	_, err = s.commit(ctx, opID, events.IAPSectionUpdated{DocumentID: documentID, Section: section, Content: content})
	return err
}

// CreateOfficialSnapshot freezes the current state of an IAP document under
// the next monotonic version and returns the frozen copy.
func (s *Service) CreateOfficialSnapshot(ctx context.Context, documentID string) (projector.DocumentSnapshot, error) {
	opID, err := s.requireOperation()
	if err != nil {
		return projector.DocumentSnapshot{}, err
	}
	if _, ok := s.GetAggregate(projector.TableIAPDocuments, documentID); !ok {
		return projector.DocumentSnapshot{}, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}

	snapshotID := uuid.NewString()
	version := s.proj.NextSnapshotVersion(documentID)
	if _, err := s.commit(ctx, opID, events.IAPSnapshotCreated{
		DocumentID: documentID,
		SnapshotID: snapshotID,
		Version:    version,
	}); err != nil {
		return projector.DocumentSnapshot{}, err
	}

	snap, ok := s.proj.GetSnapshot(snapshotID)
	if !ok {
		return projector.DocumentSnapshot{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, snapshotID)
	}
	return snap, nil
}

func (s *Service) CreateWorkAssignment(ctx context.Context, p events.WorkAssignmentCreated) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if p.AssignmentID == "" || strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("%w: assignment id and description required", ErrInvalidInput)
	}
	if p.FacilityID != "" {
		if _, ok := s.GetAggregate(projector.TableFacilities, p.FacilityID); !ok {
			return fmt.Errorf("%w: facility %s", ErrNotFound, p.FacilityID)
		}
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

func (s *Service) UpdateWorkAssignment(ctx context.Context, p events.WorkAssignmentUpdated) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	agg, ok := s.GetAggregate(projector.TableWorkAssignments, p.AssignmentID)
	if !ok {
		return fmt.Errorf("%w: assignment %s", ErrNotFound, p.AssignmentID)
	}
	if p.Status != nil {
		from := agg.(*projector.WorkAssignment).Status
		to := workflow.Normalize(*p.Status)
		if !workflow.CanAssignmentTransition(from, to) {
			return fmt.Errorf("%w: assignment %s cannot move %s -> %s", ErrInvalidInput, p.AssignmentID, from, to)
		}
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

// IdentifyGap records an unmet staffing need.
func (s *Service) IdentifyGap(ctx context.Context, p events.GapIdentified) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if p.GapID == "" || strings.TrimSpace(p.Role) == "" || p.Quantity <= 0 {
		return fmt.Errorf("%w: gap id, role and positive quantity required", ErrInvalidInput)
	}
	_, err = s.commit(ctx, opID, p)
	return err
}

func (s *Service) ResolveGap(ctx context.Context, gapID string) error {
	opID, err := s.requireOperation()
	if err != nil {
		return err
	}
	if _, ok := s.GetAggregate(projector.TableGaps, gapID); !ok {
		return fmt.Errorf("%w: gap %s", ErrNotFound, gapID)
	}
	_, err = s.commit(ctx, opID, events.GapResolved{GapID: gapID})
	return err
}

func (s *Service) requireOperation() (uuid.UUID, error) {
	opID := s.CurrentOperationID()
	if opID == uuid.Nil {
		return uuid.Nil, ErrNoOperation
	}
	return opID, nil
}
