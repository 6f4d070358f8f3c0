// Package models provides data model definitions for the offline sync core.
package models

import "fmt"

// EntityType identifies the domain entity a mutation targets.
type EntityType string

const (
	EntityInspection    EntityType = "inspection"
	EntityIssue         EntityType = "issue"
	EntityGenericUpdate EntityType = "genericUpdate"
)

// Action is the write kind carried by a mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ImageSlot is one photo-evidence slot on a domain record. URL stays empty
// and PendingUpload true until the image queue finishes the upload and
// patches the slot.
type ImageSlot struct {
	ID            string `json:"id"`
	LocalURI      string `json:"localUri,omitempty"`
	URL           string `json:"url,omitempty"`
	PendingUpload bool   `json:"pendingUpload"`
}

// InspectionPayload is the concrete schema for inspection mutations.
type InspectionPayload struct {
	ID          string      `json:"id"`
	AreaID      string      `json:"areaId"`
	SiteID      string      `json:"siteId,omitempty"`
	InspectorID string      `json:"inspectorId,omitempty"`
	Status      string      `json:"status,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	IssueIDs    []string    `json:"issueIds,omitempty"`
	Images      []ImageSlot `json:"images,omitempty"`
	StartedAt   int64       `json:"startedAt,omitempty"`
	CompletedAt int64       `json:"completedAt,omitempty"`
}

// IssuePayload is the concrete schema for issue mutations.
type IssuePayload struct {
	ID               string      `json:"id"`
	InspectionID     string      `json:"inspectionId"`
	Description      string      `json:"description,omitempty"`
	Severity         string      `json:"severity,omitempty"`
	CorrectiveAction string      `json:"correctiveAction,omitempty"`
	Images           []ImageSlot `json:"images,omitempty"`
	RaisedAt         int64       `json:"raisedAt,omitempty"`
}

// GenericUpdatePayload carries an arbitrary document patch for collections
// the queue has no dedicated schema for.
type GenericUpdatePayload struct {
	Collection string                 `json:"collection"`
	DocID      string                 `json:"docId"`
	Patch      map[string]interface{} `json:"patch,omitempty"`
}

// MutationPayload is a tagged union over the known entity kinds. Exactly one
// field is non-nil, selected by the owning mutation's EntityType.
type MutationPayload struct {
	Inspection *InspectionPayload    `json:"inspection,omitempty"`
	Issue      *IssuePayload         `json:"issue,omitempty"`
	Update     *GenericUpdatePayload `json:"update,omitempty"`
}

// QueuedMutation is one pending write awaiting remote application. A
// mutation lives in exactly one of the active queue and the dead-letter
// archive at any time.
type QueuedMutation struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entityType"`
	Action     Action          `json:"action"`
	Payload    MutationPayload `json:"payload"`
	ScopeID    string          `json:"scopeId"`
	Priority   bool            `json:"priority,omitempty"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// EntityID returns the id of the record the mutation targets, used for
// per-entity FIFO ordering and the single-writer entity lock.
func (m *QueuedMutation) EntityID() string {
	switch m.EntityType {
	case EntityInspection:
		if m.Payload.Inspection != nil {
			return m.Payload.Inspection.ID
		}
	case EntityIssue:
		if m.Payload.Issue != nil {
			return m.Payload.Issue.ID
		}
	case EntityGenericUpdate:
		if m.Payload.Update != nil {
			return m.Payload.Update.DocID
		}
	}
	return ""
}

// Validate rejects mutations whose payload does not match their entity type
// or that carry more than one payload arm.
func (m *QueuedMutation) Validate() error {
	arms := 0
	if m.Payload.Inspection != nil {
		arms++
	}
	if m.Payload.Issue != nil {
		arms++
	}
	if m.Payload.Update != nil {
		arms++
	}
	if arms != 1 {
		return fmt.Errorf("mutation %s: payload must carry exactly one arm, has %d", m.ID, arms)
	}

	switch m.EntityType {
	case EntityInspection:
		if m.Payload.Inspection == nil {
			return fmt.Errorf("mutation %s: inspection entity without inspection payload", m.ID)
		}
	case EntityIssue:
		if m.Payload.Issue == nil {
			return fmt.Errorf("mutation %s: issue entity without issue payload", m.ID)
		}
		if m.Action == ActionCreate && m.Payload.Issue.InspectionID == "" {
			return fmt.Errorf("mutation %s: issue create without parent inspection id", m.ID)
		}
	case EntityGenericUpdate:
		if m.Payload.Update == nil {
			return fmt.Errorf("mutation %s: genericUpdate entity without update payload", m.ID)
		}
	default:
		return fmt.Errorf("mutation %s: unknown entity type %q", m.ID, m.EntityType)
	}

	if m.EntityID() == "" {
		return fmt.Errorf("mutation %s: payload is missing its entity id", m.ID)
	}

	return nil
}

// DeadLetterEntry is a mutation that exhausted its retries. Terminal: it
// never re-enters the active queue without operator intervention.
type DeadLetterEntry struct {
	Mutation QueuedMutation `json:"mutation"`
	MovedAt  int64          `json:"movedAt"`
}
