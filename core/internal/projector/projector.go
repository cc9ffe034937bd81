package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/metricsx"
	"incident-ops-planning-system/shared/workflow"
)

const (
	SkipUnknownType     = "unknown_type"
	SkipBadPayload      = "bad_payload"
	SkipMissingTarget   = "missing_target"
	SkipDuplicateEvent  = "duplicate_event"
	SkipBadTransition   = "bad_transition"
	SkipDuplicateCreate = "duplicate_create"
)

// SkipError reports an event the projector refused to fold into state. The
// event stays in the log; only the projection of it is skipped.
type SkipError struct {
	EventID uuid.UUID
	Reason  string
	Detail  string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("projection skipped (%s): event %s: %s", e.Reason, e.EventID, e.Detail)
}

// Projector folds committed events into in-memory aggregates, one reducer per
// event type. Reducers are pure over (state, event); all the ordering and
// durability concerns live elsewhere, so replaying the log through a fresh
// Projector always yields the same state.
type Projector struct {
	logger logx.Logger

	mu        sync.Mutex
	state     map[string]map[string]Aggregate // table -> aggregate key
	applied   map[string]map[uuid.UUID]struct{}
	snapshots map[string]DocumentSnapshot
}

func New(logger logx.Logger) *Projector {
	p := &Projector{
		logger:    logger,
		state:     make(map[string]map[string]Aggregate),
		applied:   make(map[string]map[uuid.UUID]struct{}),
		snapshots: make(map[string]DocumentSnapshot),
	}
	for _, table := range AllTables() {
		p.state[table] = make(map[string]Aggregate)
	}
	return p
}

// Apply folds one event into the projection. Applying the same event id to
// the same aggregate twice is a no-op. A skip never corrupts state: on any
// *SkipError the projection is exactly as it was before the call.
func (p *Projector) Apply(ctx context.Context, env events.Envelope) error {
	payload, err := events.Decode(env.EventType, env.Payload)
	if err != nil {
		return p.skip(ctx, env, reasonFor(err), err.Error())
	}

	table, key := Target(env, payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	aggKey := table + "/" + key
	if _, dup := p.applied[aggKey][env.EventID]; dup {
		return nil
	}

	if err := p.reduce(env, payload, table, key); err != nil {
		var s *SkipError
		if errors.As(err, &s) {
			return p.skipLocked(ctx, env, s.Reason, s.Detail)
		}
		return err
	}

	if p.applied[aggKey] == nil {
		p.applied[aggKey] = make(map[uuid.UUID]struct{})
	}
	p.applied[aggKey][env.EventID] = struct{}{}
	return nil
}

// Get returns a deep copy of the aggregate, so callers can never reach back
// into projector-owned state.
func (p *Projector) Get(table string, key string) (Aggregate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agg, ok := p.state[table][key]
	if !ok {
		return nil, false
	}
	return agg.Clone(), true
}

// List returns deep copies of every aggregate in a table belonging to the
// given operation.
func (p *Projector) List(table string, operationID uuid.UUID) []Aggregate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Aggregate
	for _, agg := range p.state[table] {
		if agg.Operation() == operationID {
			out = append(out, agg.Clone())
		}
	}
	return out
}

// Evict drops one aggregate and its applied-event record so it can be
// refolded from the log. Snapshots are left in place; refolding rewrites
// them with identical content.
func (p *Projector) Evict(table string, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state[table], key)
	delete(p.applied, table+"/"+key)
}

// Reset drops all projected state, used when switching operations before a
// fresh replay.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, table := range AllTables() {
		p.state[table] = make(map[string]Aggregate)
	}
	p.applied = make(map[string]map[uuid.UUID]struct{})
	p.snapshots = make(map[string]DocumentSnapshot)
}

func (p *Projector) reduce(env events.Envelope, payload events.Payload, table, key string) error {
	switch v := payload.(type) {
	case events.OperationCreated:
		if _, exists := p.state[table][key]; exists {
			return &SkipError{EventID: env.EventID, Reason: SkipDuplicateCreate, Detail: "operation already exists"}
		}
		p.state[table][key] = &Operation{
			Meta:         metaFrom(env),
			ID:           env.OperationID,
			Name:         v.Name,
			DisasterType: v.DisasterType,
			CreatedAt:    env.OccurredAt,
		}

	case events.SetupCompleted:
		op, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		o := op.(*Operation)
		o.SetupComplete = true
		o.Meta = metaFrom(env)

	case events.FacilityCreated:
		if _, exists := p.state[table][key]; exists {
			return &SkipError{EventID: env.EventID, Reason: SkipDuplicateCreate, Detail: "facility " + key + " already exists"}
		}
		p.state[table][key] = &Facility{
			Meta:      metaFrom(env),
			ID:        v.FacilityID,
			Name:      v.Name,
			Kind:      v.Kind,
			Address:   v.Address,
			Status:    workflow.FacilityStatusPlanned,
			Capacity:  v.Capacity,
			CreatedAt: env.OccurredAt,
		}

	case events.FacilityUpdated:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		f := agg.(*Facility)
		if v.Status != nil {
			next := workflow.Normalize(*v.Status)
			if !workflow.CanFacilityTransition(f.Status, next) {
				return &SkipError{
					EventID: env.EventID,
					Reason:  SkipBadTransition,
					Detail:  fmt.Sprintf("facility %s cannot move %s -> %s", key, f.Status, next),
				}
			}
			f.Status = next
		}
		if v.Name != nil {
			f.Name = *v.Name
		}
		if v.Address != nil {
			f.Address = *v.Address
		}
		if v.Capacity != nil {
			f.Capacity = *v.Capacity
		}
		if v.Occupancy != nil {
			f.Occupancy = *v.Occupancy
		}
		f.Meta = metaFrom(env)

	case events.FacilityClosed:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		f := agg.(*Facility)
		if !workflow.CanFacilityTransition(f.Status, workflow.FacilityStatusClosed) {
			return &SkipError{
				EventID: env.EventID,
				Reason:  SkipBadTransition,
				Detail:  fmt.Sprintf("facility %s cannot close from %s", key, f.Status),
			}
		}
		f.Status = workflow.FacilityStatusClosed
		f.Meta = metaFrom(env)

	case events.PersonnelRegistered:
		if _, exists := p.state[table][key]; exists {
			return &SkipError{EventID: env.EventID, Reason: SkipDuplicateCreate, Detail: "personnel " + key + " already registered"}
		}
		p.state[table][key] = &Personnel{
			Meta:   metaFrom(env),
			ID:     v.PersonnelID,
			Name:   v.Name,
			Role:   v.Role,
			Status: "available",
		}

	case events.PersonnelAssigned:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		per := agg.(*Personnel)
		per.FacilityID = v.FacilityID
		per.Section = v.Section
		per.Status = "assigned"
		per.Meta = metaFrom(env)

	case events.PersonnelUpdated:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		per := agg.(*Personnel)
		if v.Name != nil {
			per.Name = *v.Name
		}
		if v.Role != nil {
			per.Role = *v.Role
		}
		if v.Section != nil {
			per.Section = *v.Section
		}
		if v.Status != nil {
			per.Status = *v.Status
		}
		per.Meta = metaFrom(env)

	case events.IAPSectionUpdated:
		// An IAP document has no dedicated create event; the first section
		// write brings it into existence.
		doc, ok := p.state[table][key].(*IAPDocument)
		if !ok {
			doc = &IAPDocument{ID: v.DocumentID, Sections: make(map[string]IAPSection)}
			p.state[table][key] = doc
		}
		doc.Sections[v.Section] = IAPSection{
			Content:   v.Content,
			UpdatedAt: env.OccurredAt,
			UpdatedBy: env.ActorID,
		}
		doc.Meta = metaFrom(env)

	case events.IAPSnapshotCreated:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		doc := agg.(*IAPDocument)
		if v.Version > doc.Version {
			doc.Version = v.Version
		}
		frozen := doc.Clone().(*IAPDocument)
		doc.Snapshots = append(doc.Snapshots, SnapshotRef{
			SnapshotID: v.SnapshotID,
			Version:    v.Version,
			CreatedAt:  env.OccurredAt,
			CreatedBy:  env.ActorID,
		})
		doc.Meta = metaFrom(env)
		p.snapshots[v.SnapshotID] = DocumentSnapshot{
			SnapshotID:  v.SnapshotID,
			DocumentID:  v.DocumentID,
			OperationID: env.OperationID,
			Version:     v.Version,
			CreatedAt:   env.OccurredAt,
			CreatedBy:   env.ActorID,
			Document:    frozen,
		}

	case events.WorkAssignmentCreated:
		if _, exists := p.state[table][key]; exists {
			return &SkipError{EventID: env.EventID, Reason: SkipDuplicateCreate, Detail: "assignment " + key + " already exists"}
		}
		p.state[table][key] = &WorkAssignment{
			Meta:         metaFrom(env),
			ID:           v.AssignmentID,
			FacilityID:   v.FacilityID,
			Description:  v.Description,
			PersonnelIDs: append([]string(nil), v.PersonnelIDs...),
			Status:       workflow.AssignmentStatusDraft,
		}

	case events.WorkAssignmentUpdated:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		w := agg.(*WorkAssignment)
		if v.Status != nil {
			next := workflow.Normalize(*v.Status)
			if !workflow.CanAssignmentTransition(w.Status, next) {
				return &SkipError{
					EventID: env.EventID,
					Reason:  SkipBadTransition,
					Detail:  fmt.Sprintf("assignment %s cannot move %s -> %s", key, w.Status, next),
				}
			}
			w.Status = next
		}
		if v.Description != nil {
			w.Description = *v.Description
		}
		if v.PersonnelIDs != nil {
			w.PersonnelIDs = append([]string(nil), v.PersonnelIDs...)
		}
		w.Meta = metaFrom(env)

	case events.GapIdentified:
		if _, exists := p.state[table][key]; exists {
			return &SkipError{EventID: env.EventID, Reason: SkipDuplicateCreate, Detail: "gap " + key + " already identified"}
		}
		p.state[table][key] = &Gap{
			Meta:       metaFrom(env),
			ID:         v.GapID,
			FacilityID: v.FacilityID,
			Role:       v.Role,
			Quantity:   v.Quantity,
			Status:     GapStatusOpen,
		}

	case events.GapResolved:
		agg, err := p.lookup(env, table, key)
		if err != nil {
			return err
		}
		g := agg.(*Gap)
		g.Status = GapStatusResolved
		g.Meta = metaFrom(env)

	default:
		return &SkipError{EventID: env.EventID, Reason: SkipUnknownType, Detail: string(env.EventType)}
	}
	return nil
}

// lookup resolves an update's target. A missing target is reported as an
// out-of-order skip, never treated as an implicit create.
func (p *Projector) lookup(env events.Envelope, table, key string) (Aggregate, error) {
	agg, ok := p.state[table][key]
	if !ok {
		return nil, &SkipError{
			EventID: env.EventID,
			Reason:  SkipMissingTarget,
			Detail:  fmt.Sprintf("%s %s does not exist yet", table, key),
		}
	}
	return agg, nil
}

func (p *Projector) skip(ctx context.Context, env events.Envelope, reason, detail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipLocked(ctx, env, reason, detail)
}

func (p *Projector) skipLocked(ctx context.Context, env events.Envelope, reason, detail string) error {
	metricsx.IncProjectionSkip(reason)
	p.logger.Warn(ctx, "projection_skipped", detail,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("reason", reason),
		slog.String("event_type", string(env.EventType)),
		slog.String("event_id", env.EventID.String()),
		slog.String("operation_id", env.OperationID.String()),
	)
	return &SkipError{EventID: env.EventID, Reason: reason, Detail: detail}
}

// Target maps an event to the (table, key) of the aggregate it folds into.
func Target(env events.Envelope, payload events.Payload) (string, string) {
	switch payload.(type) {
	case events.OperationCreated, events.SetupCompleted:
		return TableOperations, env.OperationID.String()
	case events.FacilityCreated, events.FacilityUpdated, events.FacilityClosed:
		return TableFacilities, events.EntityID(payload)
	case events.PersonnelRegistered, events.PersonnelAssigned, events.PersonnelUpdated:
		return TablePersonnel, events.EntityID(payload)
	case events.IAPSectionUpdated, events.IAPSnapshotCreated:
		return TableIAPDocuments, events.EntityID(payload)
	case events.WorkAssignmentCreated, events.WorkAssignmentUpdated:
		return TableWorkAssignments, events.EntityID(payload)
	case events.GapIdentified, events.GapResolved:
		return TableGaps, events.EntityID(payload)
	default:
		return TableOperations, env.OperationID.String()
	}
}

func metaFrom(env events.Envelope) Meta {
	return Meta{
		OperationID: env.OperationID,
		UpdatedAt:   env.OccurredAt,
		UpdatedBy:   env.ActorID,
		LastEventID: env.EventID,
	}
}

func reasonFor(err error) string {
	if errors.Is(err, events.ErrUnknownType) {
		return SkipUnknownType
	}
	return SkipBadPayload
}
