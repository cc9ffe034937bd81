package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/metricsx"
)

type Decision string

const (
	DecisionLocal  Decision = "local"
	DecisionRemote Decision = "remote"
	DecisionMerge  Decision = "merge"
	DecisionManual Decision = "manual"
)

var (
	ErrNotFound       = errors.New("conflict not found")
	ErrMergeNoPayload = errors.New("merge resolution requires a merged payload")
	ErrBadDecision    = errors.New("unknown resolution decision")
)

// Conflict is a detected divergence between a local and a remote write to the
// same entity. It stays in the pending list until an operator resolves it;
// pending conflicts never expire.
type Conflict struct {
	ID          uuid.UUID       `json:"id"`
	OperationID uuid.UUID       `json:"operation_id"`
	Table       string          `json:"table"`
	EntityID    string          `json:"entity_id"`
	Fields      []string        `json:"fields"`
	LocalEvent  events.Envelope `json:"local_event"`
	RemoteEvent events.Envelope `json:"remote_event"`
	DetectedAt  time.Time       `json:"detected_at"`
	Resolution  Decision        `json:"resolution"`
}

// Resolution is the outcome of resolving a conflict: the chosen side
// re-applied as a brand new event. History is never rewritten.
type Resolution struct {
	EventType events.Type
	Payload   json.RawMessage
}

// Resolver classifies divergences and queues them for operator decisions.
// The timestamp-delta heuristic is a simplification carried over from the
// original design: wall clocks skew between devices, so the threshold is
// configurable and the verdict is advisory, not a correctness guarantee.
type Resolver struct {
	logger    logx.Logger
	threshold time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]Conflict
	seen    map[uuid.UUID]struct{} // remote event ids already classified
}

func New(logger logx.Logger, threshold time.Duration) *Resolver {
	if threshold <= 0 {
		threshold = 5 * time.Second
	}
	return &Resolver{
		logger:    logger,
		threshold: threshold,
		pending:   make(map[uuid.UUID]Conflict),
		seen:      make(map[uuid.UUID]struct{}),
	}
}

func (r *Resolver) Threshold() time.Duration { return r.threshold }

// Detect compares a remote event against the last local write to the same
// entity. Within the threshold the caller proceeds with last-writer-wins and
// no conflict is recorded. Beyond it, a conflict is queued when both sides
// wrote the same field to different values; disjoint field sets still merge
// cleanly.
func (r *Resolver) Detect(ctx context.Context, table, entityID string, local, remote events.Envelope) (Conflict, bool) {
	delta := remote.OccurredAt.Sub(local.OccurredAt)
	if delta < 0 {
		delta = -delta
	}
	if delta <= r.threshold {
		return Conflict{}, false
	}

	fields := DivergingFields(local.Payload, remote.Payload)
	if len(fields) == 0 {
		return Conflict{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[remote.EventID]; dup {
		return Conflict{}, false
	}
	r.seen[remote.EventID] = struct{}{}

	c := Conflict{
		ID:          uuid.New(),
		OperationID: remote.OperationID,
		Table:       table,
		EntityID:    entityID,
		Fields:      fields,
		LocalEvent:  local,
		RemoteEvent: remote,
		DetectedAt:  time.Now().UTC(),
		Resolution:  DecisionManual,
	}
	r.pending[c.ID] = c
	metricsx.SetConflictsOpen(len(r.pending))

	r.logger.Warn(ctx, "conflict_detected", "divergent updates to the same entity",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("conflict_id", c.ID.String()),
		slog.String("table", table),
		slog.String("entity_id", entityID),
		slog.Any("fields", fields),
		slog.Duration("timestamp_delta", delta),
	)
	return c, true
}

// Resolve applies an operator decision. Local, remote and merge hand back the
// chosen payload to be appended as a new event; manual leaves the conflict
// queued for a later decision.
func (r *Resolver) Resolve(ctx context.Context, conflictID uuid.UUID, decision Decision, mergedPayload json.RawMessage) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.pending[conflictID]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, conflictID)
	}

	var res Resolution
	switch decision {
	case DecisionLocal:
		res = Resolution{EventType: c.LocalEvent.EventType, Payload: c.LocalEvent.Payload}
	case DecisionRemote:
		res = Resolution{EventType: c.RemoteEvent.EventType, Payload: c.RemoteEvent.Payload}
	case DecisionMerge:
		if len(mergedPayload) == 0 {
			return Resolution{}, ErrMergeNoPayload
		}
		res = Resolution{EventType: c.RemoteEvent.EventType, Payload: mergedPayload}
	case DecisionManual:
		return Resolution{}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrBadDecision, decision)
	}

	delete(r.pending, conflictID)
	metricsx.SetConflictsOpen(len(r.pending))
	r.logger.Info(ctx, "conflict_resolved", "operator decision applied",
		slog.String("conflict_id", conflictID.String()),
		slog.String("decision", string(decision)),
	)
	return res, nil
}

// Pending returns the queued conflicts, oldest first.
func (r *Resolver) Pending() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

func (r *Resolver) Get(conflictID uuid.UUID) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[conflictID]
	return c, ok
}

// Housekeeping and identity keys never count as divergence.
var ignoredKeys = map[string]bool{
	"updated_at":    true,
	"updated_by":    true,
	"created_at":    true,
	"last_event_id": true,
	"operation_id":  true,
	"facility_id":   true,
	"personnel_id":  true,
	"document_id":   true,
	"assignment_id": true,
	"gap_id":        true,
	"snapshot_id":   true,
}

// DivergingFields lists the keys both payloads set to different values,
// sorted for stable reporting.
func DivergingFields(local, remote json.RawMessage) []string {
	var a, b map[string]any
	if json.Unmarshal(local, &a) != nil || json.Unmarshal(remote, &b) != nil {
		return nil
	}
	var fields []string
	for key, av := range a {
		if ignoredKeys[key] {
			continue
		}
		bv, ok := b[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(av, bv) {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}
