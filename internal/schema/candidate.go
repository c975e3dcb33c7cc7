package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Key addresses one entity in the local store.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Candidate is a proposed entity state that has not been merged yet.
type Candidate struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
	Source    Source          `json:"source"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewCandidate wraps an entity for the merge layer.
func NewCandidate(e Entity, source Source) (Candidate, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to marshal %s %s: %w", e.EntityKind(), e.EntityID(), err)
	}
	return Candidate{
		Kind:      e.EntityKind(),
		ID:        e.EntityID(),
		ProjectID: e.EntityProjectID(),
		UpdatedAt: e.Version(),
		Source:    source,
		Data:      data,
	}, nil
}

// Tombstone builds a versioned deletion marker.
func Tombstone(kind Kind, id, projectID string, at time.Time, source Source) Candidate {
	return Candidate{
		Kind:      kind,
		ID:        id,
		ProjectID: projectID,
		UpdatedAt: at,
		Deleted:   true,
		Source:    source,
	}
}

// Key returns the store address of the candidate.
func (c Candidate) Key() Key {
	return Key{Kind: c.Kind, ID: c.ID}
}

// NewEntity returns a zero value of the entity type stored under kind.
func NewEntity(kind Kind) (Entity, error) {
	switch kind {
	case KindProject:
		return &Project{}, nil
	case KindMilestone:
		return &Milestone{}, nil
	case KindTask:
		return &Task{}, nil
	case KindActivity:
		return &ActivityItem{}, nil
	case KindPresence:
		return &PresenceRecord{}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEntity, kind)
}

// Decode unmarshals Data into its entity type. Tombstones have no entity.
func (c Candidate) Decode() (Entity, error) {
	if c.Deleted {
		return nil, fmt.Errorf("%w: %s is a tombstone", ErrMalformedEntity, c.Key())
	}
	e, err := NewEntity(c.Kind)
	if err != nil {
		return nil, err
	}
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("%w: %s has no data", ErrMalformedEntity, c.Key())
	}
	if err := json.Unmarshal(c.Data, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEntity, c.Key(), err)
	}
	return e, nil
}

// Validate rejects candidates the merge layer must drop. Errors wrap
// ErrMalformedEntity.
func (c Candidate) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEntity, c.Kind)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: %s id is required", ErrMalformedEntity, c.Kind)
	}
	if c.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: %s has no version", ErrMalformedEntity, c.Key())
	}
	if c.Deleted {
		return nil
	}
	e, err := c.Decode()
	if err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEntity, c.Key(), err)
	}
	if e.EntityID() != c.ID {
		return fmt.Errorf("%w: envelope id %s does not match entity id %s", ErrMalformedEntity, c.ID, e.EntityID())
	}
	if !e.Version().Equal(c.UpdatedAt) {
		return fmt.Errorf("%w: %s envelope version does not match entity version", ErrMalformedEntity, c.Key())
	}
	return nil
}

// SameContent reports whether two candidates describe the same state,
// ignoring source and JSON formatting.
func (c Candidate) SameContent(other Candidate) bool {
	if c.Kind != other.Kind || c.ID != other.ID || c.Deleted != other.Deleted {
		return false
	}
	if c.Deleted {
		return true
	}
	a, errA := c.canonical()
	b, errB := other.canonical()
	if errA != nil || errB != nil {
		return bytes.Equal(c.Data, other.Data)
	}
	return bytes.Equal(a, b)
}

// CompareContent orders two candidates by canonical content. It gives the
// merge layer a deterministic tie-break between equal-ranked sources.
func (c Candidate) CompareContent(other Candidate) int {
	a, errA := c.canonical()
	b, errB := other.canonical()
	if errA != nil || errB != nil {
		return bytes.Compare(c.Data, other.Data)
	}
	return bytes.Compare(a, b)
}

// canonical re-encodes the entity with derived fields zeroed, so locally
// recomputed milestone progress never counts as a content difference.
func (c Candidate) canonical() ([]byte, error) {
	e, err := c.Decode()
	if err != nil {
		return nil, err
	}
	if m, ok := e.(*Milestone); ok {
		m.Progress = 0
		m.IsCompleted = false
	}
	return json.Marshal(e)
}

// WithEntity returns a copy of c carrying e as its data and version.
func (c Candidate) WithEntity(e Entity) (Candidate, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return c, fmt.Errorf("failed to marshal %s: %w", c.Key(), err)
	}
	c.Data = data
	c.UpdatedAt = e.Version()
	c.ProjectID = e.EntityProjectID()
	return c, nil
}

// Deletion is the wire form of a tombstone, as listed by the deletions
// endpoint and carried by ENTITY_DELETED events.
type Deletion struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Candidate converts the deletion into a tombstone candidate.
func (d Deletion) Candidate(source Source) Candidate {
	return Tombstone(d.Kind, d.ID, d.ProjectID, d.DeletedAt, source)
}

// CandidateFromJSON wraps raw entity JSON received from the network. The
// raw bytes are kept as-is; if they cannot be decoded the candidate carries
// no id or version and the merge layer rejects it as malformed.
func CandidateFromJSON(kind Kind, raw json.RawMessage, source Source) Candidate {
	c := Candidate{Kind: kind, Source: source, Data: raw}
	e, err := NewEntity(kind)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return c
	}
	c.ID = e.EntityID()
	c.ProjectID = e.EntityProjectID()
	c.UpdatedAt = e.Version()
	return c
}
