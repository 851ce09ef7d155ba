package override

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	internaldb "github.com/photodup/photodup/internal/db"
	"github.com/photodup/photodup/internal/store"
)

func mustOpen(tb testing.TB) (*sql.DB, *store.Store, *Store) {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db, store.New(db), New(db)
}

// seedGroup creates n files and one exact group containing them, returning
// the group id and file ids in insertion order.
func seedGroup(tb testing.TB, st *store.Store, n int) (int64, []int64) {
	tb.Helper()
	ids := make([]int64, 0, n)
	members := make([]store.Member, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.InsertFile(filepath.Join("/p", string(rune('a'+i))+".jpg"), 100, time.Unix(1700000000, 0))
		if err != nil {
			tb.Fatal(err)
		}
		ids = append(ids, id)
		role := store.RoleDuplicate
		if i == 0 {
			role = store.RoleOriginal
		}
		members = append(members, store.Member{FileID: id, Role: role, Similarity: 1.0})
	}
	groupID, err := st.UpsertGroup(0, store.TierExact, 1.0, members)
	if err != nil {
		tb.Fatal(err)
	}
	return groupID, ids
}

func TestPutReplacesActiveOverride(t *testing.T) {
	_, st, ov := mustOpen(t)
	groupID, ids := seedGroup(t, st, 3)

	first, err := ov.Put(groupID, ids[1], ids[0], TypeSingleGroup, ReasonUserPreference, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := ov.Put(groupID, ids[2], ids[0], TypeSingleGroup, ReasonQualityBetter, "sharper")
	if err != nil {
		t.Fatalf("second put must deactivate the first, got: %v", err)
	}

	got, err := ov.Lookup(groupID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != second.ID {
		t.Fatalf("lookup returned %+v, want id %d", got, second.ID)
	}
	if got.FileID != ids[2] || got.Reason != ReasonQualityBetter {
		t.Errorf("active override = %+v", got)
	}
	_ = first

	active, err := ov.Active()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("exactly one active override per group, got %d", len(active))
	}
}

func TestClear(t *testing.T) {
	_, st, ov := mustOpen(t)
	groupID, ids := seedGroup(t, st, 2)

	if err := ov.Clear(groupID); !errors.Is(err, ErrNoOverride) {
		t.Errorf("clear with no override: got %v, want ErrNoOverride", err)
	}

	if _, err := ov.Put(groupID, ids[1], ids[0], TypeSingleGroup, ReasonManualSelection, ""); err != nil {
		t.Fatal(err)
	}
	if err := ov.Clear(groupID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := ov.Lookup(groupID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("override still active after clear: %+v", got)
	}
}

func TestReapOrphansDeactivatesMissingChoice(t *testing.T) {
	_, st, ov := mustOpen(t)
	groupID, ids := seedGroup(t, st, 2)

	if _, err := ov.Put(groupID, ids[1], ids[0], TypeSingleGroup, ReasonUserPreference, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkMissing([]int64{ids[1]}); err != nil {
		t.Fatal(err)
	}

	n, err := ov.ReapOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}
	got, _ := ov.Lookup(groupID)
	if got != nil {
		t.Error("override must be inactive after its file went missing")
	}
}

func TestDetectConflicts(t *testing.T) {
	_, st, ov := mustOpen(t)
	groupID, ids := seedGroup(t, st, 3)

	if _, err := ov.Put(groupID, ids[2], ids[0], TypeSingleGroup, ReasonUserPreference, ""); err != nil {
		t.Fatal(err)
	}

	// Trial selection agrees with the override: no conflict.
	conflicts, err := ov.DetectConflicts(func(g int64) (int64, bool) { return ids[2], true })
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("agreeing selection reported conflicts: %+v", conflicts)
	}

	// Trial selection picks a different file: conflict.
	conflicts, err = ov.DetectConflicts(func(g int64) (int64, bool) { return ids[0], true })
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].AutoOriginal != ids[0] || conflicts[0].Override.FileID != ids[2] {
		t.Errorf("conflict = %+v", conflicts[0])
	}

	// Group not selectable: skipped.
	conflicts, err = ov.DetectConflicts(func(g int64) (int64, bool) { return 0, false })
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("unselectable group still reported: %+v", conflicts)
	}
}

func TestSnapshotRestore(t *testing.T) {
	_, st, ov := mustOpen(t)
	groupID, ids := seedGroup(t, st, 2)

	if _, err := ov.Put(groupID, ids[1], ids[0], TypeSingleGroup, ReasonFormatPreference, "keep the raw"); err != nil {
		t.Fatal(err)
	}

	snap, err := ov.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snap))
	}
	chosenPath := snap[0].Path

	// Simulate the rebuild: wipe everything, rediscover the same paths under
	// new file ids, regroup.
	if err := st.TruncateForRebuild(); err != nil {
		t.Fatal(err)
	}
	newGroupID, newIDs := seedGroup(t, st, 2)

	byPath := func(path string) (int64, int64, bool) {
		f, err := st.FileByPath(path)
		if err != nil {
			return 0, 0, false
		}
		return f.ID, newGroupID, true
	}

	// A stale entry whose path vanished must be dropped.
	snap = append(snap, PathOverride{Path: "/p/vanished.jpg", AutoPath: snap[0].AutoPath,
		Type: TypeSingleGroup, Reason: ReasonUserPreference})

	restored, err := ov.Restore(snap, byPath)
	if err != nil {
		t.Fatal(err)
	}
	if restored != 1 {
		t.Errorf("restored %d overrides, want 1", restored)
	}

	got, err := ov.Lookup(newGroupID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("no active override after restore")
	}
	if got.FileID != newIDs[1] {
		t.Errorf("restored override points at file %d, want %d (path %s)",
			got.FileID, newIDs[1], chosenPath)
	}
	if got.Reason != ReasonFormatPreference || got.Notes != "keep the raw" {
		t.Errorf("restored override lost fields: %+v", got)
	}
}
