package projector

import (
	"time"

	"github.com/google/uuid"
)

// DocumentSnapshot is an official, immutable copy of an IAP document frozen
// at the moment its IAP_SNAPSHOT_CREATED event was applied. Later edits to
// the live document never leak into an issued snapshot.
type DocumentSnapshot struct {
	SnapshotID  string
	DocumentID  string
	OperationID uuid.UUID
	Version     int
	CreatedAt   time.Time
	CreatedBy   string
	Document    *IAPDocument
}

func (s DocumentSnapshot) clone() DocumentSnapshot {
	c := s
	c.Document = s.Document.Clone().(*IAPDocument)
	return c
}

// GetSnapshot returns a copy of a frozen snapshot by id.
func (p *Projector) GetSnapshot(snapshotID string) (DocumentSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[snapshotID]
	if !ok {
		return DocumentSnapshot{}, false
	}
	return snap.clone(), true
}

// ListSnapshots returns copies of a document's snapshots ordered by version.
func (p *Projector) ListSnapshots(documentID string) []DocumentSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []DocumentSnapshot
	for _, snap := range p.snapshots {
		if snap.DocumentID == documentID {
			out = append(out, snap.clone())
		}
	}
	sortSnapshots(out)
	return out
}

// NextSnapshotVersion returns the version an official snapshot of the
// document should carry. Versions are monotonically increasing per document.
func (p *Projector) NextSnapshotVersion(documentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	max := 0
	for _, snap := range p.snapshots {
		if snap.DocumentID == documentID && snap.Version > max {
			max = snap.Version
		}
	}
	return max + 1
}

func sortSnapshots(snaps []DocumentSnapshot) {
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j].Version < snaps[j-1].Version; j-- {
			snaps[j], snaps[j-1] = snaps[j-1], snaps[j]
		}
	}
}
