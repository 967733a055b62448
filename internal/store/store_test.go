package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testStore returns an opened store with schema applied, backed by a
// temporary file.
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
}

func newStaff(personID, userID int64, now time.Time) *Staff {
	return &Staff{
		PersonID:   personID,
		UserID:     userID,
		Name:       "Ivanov Ivan Ivanovich",
		LastName:   "Ivanov",
		FirstName:  "Ivan",
		MiddleName: "Ivanovich",
		Email:      "ivanov@example.com",
		Phone:      "79991234567",
		Type:       "teacher",
		IsActive:   true,
		LastSeenAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := testStore(t)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
}

func TestStaff_InsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	st := newStaff(101, 5001, now)
	if err := s.InsertStaff(ctx, s.Querier(), st); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}
	if st.ID == 0 {
		t.Fatal("InsertStaff() did not fill in local id")
	}

	got, err := s.GetStaffByPersonID(ctx, s.Querier(), 101)
	if err != nil {
		t.Fatalf("GetStaffByPersonID() failed: %v", err)
	}
	if got.PersonID != 101 || got.UserID != 5001 {
		t.Errorf("got person_id=%d user_id=%d, want 101/5001", got.PersonID, got.UserID)
	}
	if got.Phone != "79991234567" {
		t.Errorf("phone = %q, want 79991234567", got.Phone)
	}
	if !got.IsActive {
		t.Error("new staff should be active")
	}
}

func TestStaff_GetMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.GetStaffByPersonID(context.Background(), s.Querier(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStaff_UniquePersonID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	if err := s.InsertStaff(ctx, s.Querier(), newStaff(101, 5001, now)); err != nil {
		t.Fatalf("first InsertStaff() failed: %v", err)
	}
	if err := s.InsertStaff(ctx, s.Querier(), newStaff(101, 5002, now)); err == nil {
		t.Fatal("duplicate person_id insert should fail")
	}
}

func TestStaff_PhoneCheckConstraint(t *testing.T) {
	s := testStore(t)
	now := testTime(t)

	st := newStaff(101, 5001, now)
	st.Phone = "123"
	if err := s.InsertStaff(context.Background(), s.Querier(), st); err == nil {
		t.Fatal("insert with malformed phone should violate the length check")
	}
}

func TestStaff_BatchInsertAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	batch := []*Staff{newStaff(1, 10, now), newStaff(2, 20, now), newStaff(3, 30, now)}
	if err := s.InsertStaffBatch(ctx, s.Querier(), batch); err != nil {
		t.Fatalf("InsertStaffBatch() failed: %v", err)
	}

	got, err := s.ListStaffByPersonIDs(ctx, s.Querier(), []int64{1, 3, 999})
	if err != nil {
		t.Fatalf("ListStaffByPersonIDs() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[1] == nil || got[3] == nil {
		t.Error("expected rows for person ids 1 and 3")
	}
}

func TestStaff_DeactivateNotSeen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	for _, id := range []int64{1, 2, 3} {
		if err := s.InsertStaff(ctx, s.Querier(), newStaff(id, id*10, now)); err != nil {
			t.Fatalf("InsertStaff(%d) failed: %v", id, err)
		}
	}

	seen := map[int64]struct{}{1: {}, 3: {}}
	later := now.Add(time.Hour)
	n, err := s.DeactivateStaffNotSeen(ctx, s.Querier(), seen, later)
	if err != nil {
		t.Fatalf("DeactivateStaffNotSeen() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("deactivated %d rows, want 1", n)
	}

	gone, err := s.GetStaffByPersonID(ctx, s.Querier(), 2)
	if err != nil {
		t.Fatalf("GetStaffByPersonID(2) failed: %v", err)
	}
	if gone.IsActive {
		t.Error("staff 2 should be inactive")
	}
	if gone.DeactivatedAt == nil || !gone.DeactivatedAt.Equal(later) {
		t.Errorf("deactivated_at = %v, want %v", gone.DeactivatedAt, later)
	}

	kept, err := s.GetStaffByPersonID(ctx, s.Querier(), 1)
	if err != nil {
		t.Fatalf("GetStaffByPersonID(1) failed: %v", err)
	}
	if !kept.IsActive {
		t.Error("staff 1 should remain active")
	}
}

func TestStaff_DeactivateWithoutUserID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	withUser := newStaff(1, 10, now)
	withoutUser := newStaff(2, 0, now)
	if err := s.InsertStaff(ctx, s.Querier(), withUser); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}
	if err := s.InsertStaff(ctx, s.Querier(), withoutUser); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}

	n, err := s.DeactivateStaffWithoutUserID(ctx, s.Querier(), now)
	if err != nil {
		t.Fatalf("DeactivateStaffWithoutUserID() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("deactivated %d rows, want 1", n)
	}
}

func TestStaff_ReactivationClearsDeactivatedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	st := newStaff(1, 10, now)
	if err := s.InsertStaff(ctx, s.Querier(), st); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}
	if _, err := s.DeactivateStaffNotSeen(ctx, s.Querier(), nil, now); err != nil {
		t.Fatalf("DeactivateStaffNotSeen() failed: %v", err)
	}

	st.IsActive = true
	st.DeactivatedAt = nil
	st.UpdatedAt = now.Add(time.Hour)
	if err := s.UpdateStaff(ctx, s.Querier(), st); err != nil {
		t.Fatalf("UpdateStaff() failed: %v", err)
	}

	got, err := s.GetStaffByPersonID(ctx, s.Querier(), 1)
	if err != nil {
		t.Fatalf("GetStaffByPersonID() failed: %v", err)
	}
	if !got.IsActive || got.DeactivatedAt != nil {
		t.Errorf("reactivation left is_active=%v deactivated_at=%v", got.IsActive, got.DeactivatedAt)
	}
}

func TestRunRecord_FailingRecordKeepsEarlierOnes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	boom := errors.New("boom")
	err := s.RunPage(ctx, func(p *Page) error {
		if err := p.RunRecord(ctx, func(q DBTX) error {
			return s.InsertStaff(ctx, q, newStaff(1, 10, now))
		}); err != nil {
			t.Fatalf("first record failed: %v", err)
		}

		// The second record writes a row and then fails: its write must be
		// rolled back without dragging down the first record.
		err := p.RunRecord(ctx, func(q DBTX) error {
			if err := s.InsertStaff(ctx, q, newStaff(2, 20, now)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("second record err = %v, want boom", err)
		}

		if err := p.RunRecord(ctx, func(q DBTX) error {
			return s.InsertStaff(ctx, q, newStaff(3, 30, now))
		}); err != nil {
			t.Fatalf("third record failed: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunPage() failed: %v", err)
	}

	if _, err := s.GetStaffByPersonID(ctx, s.Querier(), 1); err != nil {
		t.Errorf("record 1 should have survived: %v", err)
	}
	if _, err := s.GetStaffByPersonID(ctx, s.Querier(), 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("record 2 should have been rolled back, got %v", err)
	}
	if _, err := s.GetStaffByPersonID(ctx, s.Querier(), 3); err != nil {
		t.Errorf("record 3 should have survived: %v", err)
	}
}

func TestRunPage_ErrorRollsBackWholePage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	boom := errors.New("boom")
	err := s.RunPage(ctx, func(p *Page) error {
		if err := p.RunRecord(ctx, func(q DBTX) error {
			return s.InsertStaff(ctx, q, newStaff(1, 10, now))
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunPage() err = %v, want boom", err)
	}

	if _, err := s.GetStaffByPersonID(ctx, s.Querier(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("page rollback should discard record 1, got %v", err)
	}
}

func TestClassUnit_UpsertAndLinks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	teacher := newStaff(1, 10, now)
	if err := s.InsertStaff(ctx, s.Querier(), teacher); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}
	other := newStaff(2, 20, now)
	if err := s.InsertStaff(ctx, s.Querier(), other); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}

	cu := &ClassUnit{ID: 7, SchoolID: 28, Name: "7-А", Parallel: "7", Literal: "А"}
	if err := s.UpsertClassUnit(ctx, s.Querier(), cu, now); err != nil {
		t.Fatalf("UpsertClassUnit() failed: %v", err)
	}

	// Rename on second sighting.
	cu.Name = "8-А"
	cu.Parallel = "8"
	if err := s.UpsertClassUnit(ctx, s.Querier(), cu, now.Add(time.Hour)); err != nil {
		t.Fatalf("second UpsertClassUnit() failed: %v", err)
	}
	got, err := s.GetClassUnit(ctx, s.Querier(), 7)
	if err != nil {
		t.Fatalf("GetClassUnit() failed: %v", err)
	}
	if got.Name != "8-А" || got.Parallel != "8" {
		t.Errorf("class = %q/%q, want 8-А/8", got.Name, got.Parallel)
	}

	// Links are rebuilt wholesale from the latest record.
	links := []ClassStaffLink{{StaffID: teacher.ID, IsLeader: true}}
	if err := s.ReplaceClassStaff(ctx, s.Querier(), 7, links, now); err != nil {
		t.Fatalf("ReplaceClassStaff() failed: %v", err)
	}
	links = []ClassStaffLink{{StaffID: other.ID}}
	if err := s.ReplaceClassStaff(ctx, s.Querier(), 7, links, now); err != nil {
		t.Fatalf("second ReplaceClassStaff() failed: %v", err)
	}

	ids, err := s.ListClassStaffIDs(ctx, s.Querier(), 7)
	if err != nil {
		t.Fatalf("ListClassStaffIDs() failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != other.ID {
		t.Errorf("class staff = %v, want only %d", ids, other.ID)
	}
}

func TestLinkParentStudent_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	student := &Student{PersonID: 1, LastName: "Ivanov", FirstName: "Ivan", IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertStudent(ctx, s.Querier(), student); err != nil {
		t.Fatalf("InsertStudent() failed: %v", err)
	}
	parent := &Parent{PersonID: 2, Name: "Ivanova Anna", IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertParent(ctx, s.Querier(), parent); err != nil {
		t.Fatalf("InsertParent() failed: %v", err)
	}

	created, err := s.LinkParentStudent(ctx, s.Querier(), parent.ID, student.ID, now)
	if err != nil {
		t.Fatalf("LinkParentStudent() failed: %v", err)
	}
	if !created {
		t.Error("first link should report created")
	}

	created, err = s.LinkParentStudent(ctx, s.Querier(), parent.ID, student.ID, now)
	if err != nil {
		t.Fatalf("second LinkParentStudent() failed: %v", err)
	}
	if created {
		t.Error("second link should be a no-op")
	}

	ids, err := s.ListStudentParentIDs(ctx, s.Querier(), student.ID)
	if err != nil {
		t.Fatalf("ListStudentParentIDs() failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("got %d links, want 1", len(ids))
	}
}

func TestStudents_DeactivateScopedToClass(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	for _, cu := range []*ClassUnit{{ID: 1, Name: "1-А"}, {ID: 2, Name: "2-Б"}} {
		if err := s.UpsertClassUnit(ctx, s.Querier(), cu, now); err != nil {
			t.Fatalf("UpsertClassUnit() failed: %v", err)
		}
	}

	students := []*Student{
		{PersonID: 10, LastName: "A", FirstName: "A", ClassUnitID: 1, IsActive: true, CreatedAt: now, UpdatedAt: now},
		{PersonID: 11, LastName: "B", FirstName: "B", ClassUnitID: 1, IsActive: true, CreatedAt: now, UpdatedAt: now},
		{PersonID: 20, LastName: "C", FirstName: "C", ClassUnitID: 2, IsActive: true, CreatedAt: now, UpdatedAt: now},
	}
	for _, st := range students {
		if err := s.InsertStudent(ctx, s.Querier(), st); err != nil {
			t.Fatalf("InsertStudent(%d) failed: %v", st.PersonID, err)
		}
	}

	n, err := s.DeactivateStudentsNotSeen(ctx, s.Querier(), 1, map[int64]struct{}{10: {}}, now)
	if err != nil {
		t.Fatalf("DeactivateStudentsNotSeen() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("deactivated %d rows, want 1", n)
	}

	otherClass, err := s.GetStudentByPersonID(ctx, s.Querier(), 20)
	if err != nil {
		t.Fatalf("GetStudentByPersonID(20) failed: %v", err)
	}
	if !otherClass.IsActive {
		t.Error("students of other classes must not be touched")
	}
}

func TestStaffStatistics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	a := newStaff(1, 10, now)
	a.ExternalID = "777"
	b := newStaff(2, 20, now)
	b.Email = ""
	b.Type = "mentor"
	for _, st := range []*Staff{a, b} {
		if err := s.InsertStaff(ctx, s.Querier(), st); err != nil {
			t.Fatalf("InsertStaff() failed: %v", err)
		}
	}
	if _, err := s.DeactivateStaffNotSeen(ctx, s.Querier(), map[int64]struct{}{1: {}}, now); err != nil {
		t.Fatalf("DeactivateStaffNotSeen() failed: %v", err)
	}

	stats, err := s.StaffStatistics(ctx)
	if err != nil {
		t.Fatalf("StaffStatistics() failed: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Deactivated != 1 {
		t.Errorf("stats = %+v, want total=2 active=1 deactivated=1", stats)
	}
	if stats.WithExternalID != 1 {
		t.Errorf("WithExternalID = %d, want 1", stats.WithExternalID)
	}
	if stats.ByType["teacher"] != 1 {
		t.Errorf("ByType = %v, want one active teacher", stats.ByType)
	}
}

func TestFindStaffByName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := testTime(t)

	if err := s.InsertStaff(ctx, s.Querier(), newStaff(1, 10, now)); err != nil {
		t.Fatalf("InsertStaff() failed: %v", err)
	}

	found, err := s.FindStaffByName(ctx, "ivan")
	if err != nil {
		t.Fatalf("FindStaffByName() failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("got %d matches, want 1", len(found))
	}

	none, err := s.FindStaffByName(ctx, "petrov")
	if err != nil {
		t.Fatalf("FindStaffByName() failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d matches, want 0", len(none))
	}
}
