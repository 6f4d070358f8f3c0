package models

import "fmt"

// UploadStatus tracks a pending image through the upload queue.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusFailed    UploadStatus = "failed"
)

// LinkedEntityRefs locates the image slot on its owning domain record.
type LinkedEntityRefs struct {
	InspectionID string `json:"inspectionId"`
	IssueID      string `json:"issueId,omitempty"`
	Field        string `json:"field"`
	ImageIndex   int    `json:"imageIndex"`
}

// Collection returns the remote collection holding the owning record.
func (r LinkedEntityRefs) Collection() string {
	if r.IssueID != "" {
		return "issues"
	}
	return "inspections"
}

// EntityID returns the id of the owning record.
func (r LinkedEntityRefs) EntityID() string {
	if r.IssueID != "" {
		return r.IssueID
	}
	return r.InspectionID
}

// PendingImageUpload is one queued binary upload. The entry owns its
// LocalURI exclusively until the upload succeeds.
type PendingImageUpload struct {
	ID         string           `json:"id"`
	LocalURI   string           `json:"localUri"`
	RemotePath string           `json:"remotePath"`
	Refs       LinkedEntityRefs `json:"linkedEntityRefs"`
	RetryCount int              `json:"retryCount"`
	Status     UploadStatus     `json:"uploadStatus"`
	LastError  string           `json:"lastError,omitempty"`
	CreatedAt  int64            `json:"createdAt"`
	UpdatedAt  int64            `json:"updatedAt"`
}

// RemoteUploadPath derives the deterministic blob path for an image:
// scope, owning entity, field, slot index, and capture timestamp.
func RemoteUploadPath(scopeID string, refs LinkedEntityRefs, capturedAtMillis int64) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d_%d.jpg",
		scopeID, refs.Collection(), refs.EntityID(), refs.Field, refs.ImageIndex, capturedAtMillis)
}
