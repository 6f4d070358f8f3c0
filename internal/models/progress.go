package models

import "time"

// Frequency is a verification cadence for checklist items.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
)

// DaysUntilDue returns the cadence length in days.
func (f Frequency) DaysUntilDue() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyMonthly:
		return 30
	case FrequencyQuarterly:
		return 90
	case FrequencyAnnually:
		return 365
	default:
		return 1
	}
}

// VerificationStatus is the per-item state for a given day. Pass and fail
// are terminal for the day.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPass    VerificationStatus = "pass"
	VerificationFail    VerificationStatus = "fail"
	VerificationOverdue VerificationStatus = "overdue"
)

// Terminal reports whether the status cannot change again today.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationPass || s == VerificationFail
}

// SyncState tracks an area's progress record against the remote store.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateError   SyncState = "error"
)

// AreaItemProgress is one cleaning/verification checklist item. IsDue,
// IsOverdue and DueDate are derived from the cadence at read time, never
// stored authoritatively.
type AreaItemProgress struct {
	AreaItemID       string             `json:"areaItemId"`
	ItemName         string             `json:"itemName"`
	Frequency        Frequency          `json:"frequency"`
	Status           VerificationStatus `json:"status"`
	IsAutoCompleted  bool               `json:"isAutoCompleted"`
	LastVerifiedDate string             `json:"lastVerifiedDate,omitempty"` // YYYY-MM-DD
	VerifiedAt       int64              `json:"verifiedAt,omitempty"`
	Notes            string             `json:"notes,omitempty"`

	// Derived fields, recomputed on load.
	IsDue     bool   `json:"isDue"`
	IsOverdue bool   `json:"isOverdue"`
	DueDate   string `json:"dueDate,omitempty"`
}

// ScheduleGroupProgress is one cadence bucket of checklist items with its
// aggregate counters.
type ScheduleGroupProgress struct {
	Frequency            Frequency          `json:"frequency"`
	Items                []AreaItemProgress `json:"items"`
	CompletedCount       int                `json:"completedCount"`
	FailedCount          int                `json:"failedCount"`
	CompletionPercentage float64            `json:"completionPercentage"`
}

// Recompute refreshes the aggregate counters from the item list.
func (g *ScheduleGroupProgress) Recompute() {
	g.CompletedCount = 0
	g.FailedCount = 0
	for i := range g.Items {
		switch g.Items[i].Status {
		case VerificationPass:
			g.CompletedCount++
		case VerificationFail:
			g.FailedCount++
		}
	}
	if len(g.Items) == 0 {
		g.CompletionPercentage = 0
		return
	}
	done := g.CompletedCount + g.FailedCount
	g.CompletionPercentage = float64(done) / float64(len(g.Items)) * 100
}

// OfflineVerification is a locally recorded verification awaiting remote
// commit. It owns its photo references until synced.
type OfflineVerification struct {
	ID              string             `json:"id"`
	AreaID          string             `json:"areaId"`
	AreaItemID      string             `json:"areaItemId"`
	Status          VerificationStatus `json:"status"`
	Notes           string             `json:"notes,omitempty"`
	FirstInspection bool               `json:"firstInspection"`
	AutoCompleted   bool               `json:"autoCompleted,omitempty"`
	PhotoRefs       []string           `json:"photoRefs,omitempty"`
	RecordedAt      int64              `json:"recordedAt"`
}

// LocalVerificationProgress is the per-area, per-day progressive cache.
// Exactly one record exists per (areaId, date).
type LocalVerificationProgress struct {
	AreaID       string                `json:"areaId"`
	Date         string                `json:"date"` // YYYY-MM-DD
	Daily        ScheduleGroupProgress `json:"daily"`
	Weekly       ScheduleGroupProgress `json:"weekly"`
	Monthly      ScheduleGroupProgress `json:"monthly"`
	SyncStatus   SyncState             `json:"syncStatus"`
	OfflineQueue []OfflineVerification `json:"offlineQueue,omitempty"`
}

// Groups returns the three schedule buckets in search order.
func (p *LocalVerificationProgress) Groups() []*ScheduleGroupProgress {
	return []*ScheduleGroupProgress{&p.Daily, &p.Weekly, &p.Monthly}
}

// DayOf formats a timestamp at day granularity.
func DayOf(t time.Time) string {
	return t.Format("2006-01-02")
}
