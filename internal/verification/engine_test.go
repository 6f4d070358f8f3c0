package verification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DDChuru/inspectsync/internal/errors"
	"github.com/DDChuru/inspectsync/internal/kvstore"
	"github.com/DDChuru/inspectsync/internal/models"
	"github.com/DDChuru/inspectsync/internal/remote"
)

var day1 = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func seedArea(t *testing.T, store *remote.MemoryStore, areaID string, items ...remote.Document) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "areas", areaID, remote.Document{"name": "Cold Room"}))
	for i, item := range items {
		item["areaId"] = areaID
		require.NoError(t, store.Set(ctx, "areaItems", item["id"].(string), item), "item %d", i)
	}
}

func newTestEngine(t *testing.T) (*Engine, *remote.MemoryStore, kvstore.Store, *clock) {
	t.Helper()
	local := kvstore.NewMemoryStore()
	remoteStore := remote.NewMemoryStore(500)
	c := &clock{now: day1}
	engine := NewEngine(local, remoteStore, Options{
		ScopeID:         "acme",
		CommitBatchSize: 2,
		Now:             c.Now,
	})
	return engine, remoteStore, local, c
}

func TestBootstrapBuildsGroups(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "name": "Floor scrub", "frequency": "daily"},
		remote.Document{"id": "d2", "name": "Drain flush", "frequency": "daily"},
		remote.Document{"id": "w1", "name": "Coil clean", "frequency": "weekly"},
		remote.Document{"id": "m1", "name": "Deep clean", "frequency": "monthly"},
		remote.Document{"id": "q1", "name": "Calibration", "frequency": "quarterly"},
	)

	progress, err := engine.Bootstrap(context.Background(), "area-1")
	require.NoError(t, err)

	assert.Equal(t, "2026-08-25", progress.Date)
	assert.Len(t, progress.Daily.Items, 2)
	assert.Len(t, progress.Weekly.Items, 1)
	assert.Len(t, progress.Monthly.Items, 2, "longer cadences share the monthly bucket")
	assert.Equal(t, models.SyncStateSynced, progress.SyncStatus)

	for _, group := range progress.Groups() {
		assert.Zero(t, group.CompletionPercentage)
		for _, item := range group.Items {
			assert.Equal(t, models.VerificationPending, item.Status)
			assert.True(t, item.IsDue, "never-verified item %s must be due", item.AreaItemID)
			assert.True(t, item.IsOverdue, "never-verified item %s must be overdue", item.AreaItemID)
			assert.Equal(t, "2026-08-25", item.DueDate)
		}
	}
}

func TestBootstrapUnknownArea(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	_, err := engine.Bootstrap(context.Background(), "ghost")
	assert.True(t, errors.Is(err, errors.ErrAreaNotLoaded), "got %v", err)
}

func TestBootstrapRejectsDuplicateItems(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1")
	ctx := context.Background()
	remoteStore.Set(ctx, "areaItems", "doc-a", remote.Document{"id": "x1", "areaId": "area-1", "frequency": "daily"})
	remoteStore.Set(ctx, "areaItems", "doc-b", remote.Document{"id": "x1", "areaId": "area-1", "frequency": "weekly"})

	_, err := engine.Bootstrap(ctx, "area-1")
	assert.True(t, errors.Is(err, errors.ErrDuplicateItem), "got %v", err)
}

func TestBootstrapServesDurableCacheOffline(t *testing.T) {
	engine, remoteStore, local, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)

	_, err := engine.Bootstrap(context.Background(), "area-1")
	require.NoError(t, err)

	// Fresh engine over the same local store; remote unreachable.
	remoteStore.SetNetworkEnabled(false)
	c := &clock{now: day1}
	engine2 := NewEngine(local, remoteStore, Options{ScopeID: "acme", Now: c.Now})

	progress, err := engine2.Bootstrap(context.Background(), "area-1")
	require.NoError(t, err)
	assert.Len(t, progress.Daily.Items, 1)
}

func TestReferenceDataFetchedOnce(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)

	areaGets := 0
	remoteStore.SetFailHook(func(kind remote.OpKind, collection, id string) error {
		if collection == "areas" {
			areaGets++
		}
		return nil
	})

	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)
	_, err = engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	assert.Equal(t, 1, areaGets, "area reference must be fetched at most once")
}

func TestVerifyItem(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
		remote.Document{"id": "d2", "frequency": "daily"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	record, err := engine.VerifyItem(ctx, "area-1", VerifyRequest{
		ItemID:    "d1",
		Status:    models.VerificationPass,
		Notes:     "all clear",
		PhotoRefs: []string{"upload-1"},
	})
	require.NoError(t, err)
	assert.True(t, record.FirstInspection, "no prior remote verification exists")
	assert.Equal(t, []string{"upload-1"}, record.PhotoRefs)

	progress, err := engine.Progress("area-1")
	require.NoError(t, err)
	item := progress.Daily.Items[0]
	assert.Equal(t, models.VerificationPass, item.Status)
	assert.Equal(t, "2026-08-25", item.LastVerifiedDate)
	assert.False(t, item.IsDue, "verified today is no longer due")
	assert.Equal(t, 1, progress.Daily.CompletedCount)
	assert.InDelta(t, 50.0, progress.Daily.CompletionPercentage, 0.001)
	assert.Equal(t, models.SyncStatePending, progress.SyncStatus)
	require.Len(t, progress.OfflineQueue, 1)

	// Terminal for the day: a second verification is rejected.
	_, err = engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d1", Status: models.VerificationFail})
	assert.True(t, errors.Is(err, errors.ErrItemTerminal), "got %v", err)
}

func TestVerifyItemErrors(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)
	ctx := context.Background()

	_, err := engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d1", Status: models.VerificationPass})
	assert.True(t, errors.Is(err, errors.ErrAreaNotLoaded), "unbootstrapped area: %v", err)

	_, err = engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	_, err = engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "ghost", Status: models.VerificationPass})
	assert.True(t, errors.Is(err, errors.ErrItemNotFound), "got %v", err)

	_, err = engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d1", Status: models.VerificationPending})
	assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
}

func TestFirstInspectionFalseWithPriorRemote(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)
	ctx := context.Background()
	remoteStore.Set(ctx, "verifications", "v-old", remote.Document{"areaItemId": "d1", "status": "pass"})

	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	record, err := engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d1", Status: models.VerificationPass})
	require.NoError(t, err)
	assert.False(t, record.FirstInspection)
}

func TestVerifyItemSlowRemoteDoesNotStallReads(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)
	_, err := engine.Bootstrap(context.Background(), "area-1")
	require.NoError(t, err)

	// Park the first-inspection lookup so the verify call hangs on the
	// network.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	remoteStore.SetFailHook(func(kind remote.OpKind, collection, id string) error {
		if collection == "verifications" {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	verifyDone := make(chan error, 1)
	go func() {
		_, err := engine.VerifyItem(context.Background(), "area-1", VerifyRequest{
			ItemID: "d1",
			Status: models.VerificationPass,
		})
		verifyDone <- err
	}()

	<-entered

	readDone := make(chan struct{})
	go func() {
		_, err := engine.Progress("area-1")
		assert.NoError(t, err)
		close(readDone)
	}()

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("progress read blocked behind the remote lookup")
	}

	close(release)
	require.NoError(t, <-verifyDone)

	progress, err := engine.Progress("area-1")
	require.NoError(t, err)
	assert.Equal(t, models.VerificationPass, progress.Daily.Items[0].Status)
}

func TestAutoCompletionScope(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
		remote.Document{"id": "d2", "frequency": "daily"},
		remote.Document{"id": "d3", "frequency": "daily"},
		remote.Document{"id": "w1", "frequency": "weekly"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	// One daily item already failed manually; it must not be recounted.
	_, err = engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d3", Status: models.VerificationFail})
	require.NoError(t, err)

	passed, err := engine.CompleteInspection("area-1", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, passed)

	progress, err := engine.Progress("area-1")
	require.NoError(t, err)

	for _, item := range progress.Daily.Items {
		switch item.AreaItemID {
		case "d1", "d2":
			assert.Equal(t, models.VerificationPass, item.Status)
			assert.True(t, item.IsAutoCompleted)
		case "d3":
			assert.Equal(t, models.VerificationFail, item.Status)
			assert.False(t, item.IsAutoCompleted, "manual verification must not be recounted")
		}
	}

	// Weekly obligations are never satisfied by completing an inspection.
	assert.Equal(t, models.VerificationPending, progress.Weekly.Items[0].Status)
	assert.False(t, progress.Weekly.Items[0].IsAutoCompleted)

	// One offline record per auto-pass plus the manual one.
	assert.Len(t, progress.OfflineQueue, 3)
	auto := 0
	for _, v := range progress.OfflineQueue {
		if v.AutoCompleted {
			auto++
		}
	}
	assert.Equal(t, 2, auto)
}

func TestCompleteInspectionWithoutAutoPass(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	passed, err := engine.CompleteInspection("area-1", false)
	require.NoError(t, err)
	assert.Empty(t, passed)

	progress, _ := engine.Progress("area-1")
	assert.Equal(t, models.VerificationPending, progress.Daily.Items[0].Status)
}

func TestDueOverdueComputation(t *testing.T) {
	cases := []struct {
		name         string
		frequency    models.Frequency
		lastVerified string
		wantDue      bool
		wantOverdue  bool
	}{
		{"weekly verified 10 days ago", models.FrequencyWeekly, "2026-08-15", true, true},
		{"weekly verified 3 days ago", models.FrequencyWeekly, "2026-08-22", false, false},
		{"weekly verified exactly 7 days ago", models.FrequencyWeekly, "2026-08-18", true, false},
		{"daily verified yesterday", models.FrequencyDaily, "2026-08-24", true, false},
		{"daily verified today", models.FrequencyDaily, "2026-08-25", false, false},
		{"monthly verified 31 days ago", models.FrequencyMonthly, "2026-07-25", true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := models.AreaItemProgress{
				Frequency:        tc.frequency,
				Status:           models.VerificationPending,
				LastVerifiedDate: tc.lastVerified,
			}
			refreshItem(&item, day1)
			assert.Equal(t, tc.wantDue, item.IsDue, "isDue")
			assert.Equal(t, tc.wantOverdue, item.IsOverdue, "isOverdue")
		})
	}
}

func TestDateRolloverCarriesOfflineQueue(t *testing.T) {
	engine, remoteStore, _, c := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
		remote.Document{"id": "w1", "frequency": "weekly"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	// Verify the daily item today; never commit it.
	_, err = engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d1", Status: models.VerificationPass})
	require.NoError(t, err)

	c.now = day1.AddDate(0, 0, 1)

	progress, err := engine.Progress("area-1")
	require.NoError(t, err)

	assert.Equal(t, "2026-08-26", progress.Date)

	daily := progress.Daily.Items[0]
	assert.Equal(t, models.VerificationPending, daily.Status, "statuses reset for the new day")
	assert.Equal(t, "2026-08-25", daily.LastVerifiedDate, "verified date survives the rollover")
	assert.True(t, daily.IsDue, "daily cadence is due again the next day")
	assert.False(t, daily.IsOverdue)

	weekly := progress.Weekly.Items[0]
	assert.True(t, weekly.IsOverdue, "never-verified weekly item stays overdue")

	require.Len(t, progress.OfflineQueue, 1, "unsynced verification carries over")
	assert.Equal(t, models.SyncStatePending, progress.SyncStatus)
}

func TestCommitOfflinePartialProgress(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
		remote.Document{"id": "d2", "frequency": "daily"},
		remote.Document{"id": "d3", "frequency": "daily"},
		remote.Document{"id": "d4", "frequency": "daily"},
		remote.Document{"id": "d5", "frequency": "daily"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	var lastID string
	for _, itemID := range []string{"d1", "d2", "d3", "d4", "d5"} {
		record, err := engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: itemID, Status: models.VerificationPass})
		require.NoError(t, err)
		lastID = record.ID
	}

	// The batch containing the fifth record fails; the first two batches of
	// two stay committed.
	remoteStore.SetFailHook(func(kind remote.OpKind, collection, id string) error {
		if collection == "verifications" && id == lastID {
			return errors.New(errors.ErrRemoteUnavailable, "flaky")
		}
		return nil
	})

	committed, err := engine.CommitOffline(ctx, "area-1")
	assert.Error(t, err)
	assert.Equal(t, 4, committed)
	assert.Equal(t, 4, remoteStore.Count("verifications"))
	assert.Equal(t, 1, engine.PendingCount())

	progress, _ := engine.Progress("area-1")
	assert.Equal(t, models.SyncStateError, progress.SyncStatus)

	// Recovery: the remaining record commits and the area reads synced.
	remoteStore.SetFailHook(nil)
	committed, err = engine.CommitOffline(ctx, "area-1")
	require.NoError(t, err)
	assert.Equal(t, 1, committed)
	assert.Equal(t, 5, remoteStore.Count("verifications"))
	assert.Zero(t, engine.PendingCount())

	progress, _ = engine.Progress("area-1")
	assert.Equal(t, models.SyncStateSynced, progress.SyncStatus)
}

func TestCommitOfflineEmptyQueue(t *testing.T) {
	engine, remoteStore, _, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	committed, err := engine.CommitOffline(ctx, "area-1")
	require.NoError(t, err)
	assert.Zero(t, committed)
}

func TestProgressSurvivesRestart(t *testing.T) {
	engine, remoteStore, local, _ := newTestEngine(t)
	seedArea(t, remoteStore, "area-1",
		remote.Document{"id": "d1", "frequency": "daily"},
	)
	ctx := context.Background()
	_, err := engine.Bootstrap(ctx, "area-1")
	require.NoError(t, err)
	_, err = engine.VerifyItem(ctx, "area-1", VerifyRequest{ItemID: "d1", Status: models.VerificationFail})
	require.NoError(t, err)

	c := &clock{now: day1}
	engine2 := NewEngine(local, remoteStore, Options{ScopeID: "acme", Now: c.Now})
	progress, err := engine2.Bootstrap(ctx, "area-1")
	require.NoError(t, err)

	assert.Equal(t, models.VerificationFail, progress.Daily.Items[0].Status)
	require.Len(t, progress.OfflineQueue, 1)
}
