package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edtools/schoolsync/internal/identity"
	"github.com/edtools/schoolsync/internal/logging"
	"github.com/edtools/schoolsync/internal/mosapi"
	"github.com/edtools/schoolsync/internal/store"
)

// stubResolver serves canned identity results keyed by staff/person id.
type stubResolver struct {
	byStaff  map[int64]identity.Result
	byPerson map[int64]identity.Result
	calls    int
}

func (s *stubResolver) Resolve(_ context.Context, ref identity.Ref) identity.Result {
	s.calls++
	if ref.StaffID != 0 {
		if res, ok := s.byStaff[ref.StaffID]; ok {
			return res
		}
	}
	if res, ok := s.byPerson[ref.PersonID]; ok {
		return res
	}
	return identity.Result{Outcome: identity.NotFound}
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	ids    *stubResolver
	now    time.Time
}

func newTestEnv(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	api := mosapi.NewClient(mosapi.ClientOptions{
		BaseURL: srv.URL,
		Cache:   mosapi.NewRequestCache(300 * time.Second),
		Logger:  logging.Discard(),
		Sleep:   func(time.Duration) {},
	})

	ids := &stubResolver{}
	env := &testEnv{
		store: st,
		ids:   ids,
		now:   time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(st, api, ids, 28, logging.Discard())
	env.engine.now = func() time.Time { return env.now }
	env.engine.sleep = func(time.Duration) {}
	return env
}

// staffJSON renders a minimal staff record.
func staffJSON(id, userID int64, name string) string {
	parts := strings.Fields(name)
	last, first := "", ""
	if len(parts) > 0 {
		last = parts[0]
	}
	if len(parts) > 1 {
		first = parts[1]
	}
	return fmt.Sprintf(`{"id":%d,"user_id":%d,"name":%q,"type":"teacher","user":{"last_name":%q,"first_name":%q,"phone_number":"8999123%04d","email":"u%d@example.com"}}`,
		id, userID, name, last, first, id, id)
}

func TestSyncStaff_TwoPageRun(t *testing.T) {
	// Page 1: 10 records, 2 without user_id. Page 2: 4 valid records, short
	// of the threshold, so the fetch must stop there.
	var page1, page2 []string
	for i := 1; i <= 8; i++ {
		page1 = append(page1, staffJSON(int64(i), int64(1000+i), fmt.Sprintf("Fam%d Name%d", i, i)))
	}
	page1 = append(page1, `{"id":9,"user_id":0,"name":"Fam9 Name9"}`, `{"id":10,"name":"Fam10 Name10"}`)
	for i := 11; i <= 14; i++ {
		page2 = append(page2, staffJSON(int64(i), int64(1000+i), fmt.Sprintf("Fam%d Name%d", i, i)))
	}

	var pagesServed []string
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pagesServed = append(pagesServed, page)
		switch page {
		case "1":
			fmt.Fprint(w, "["+strings.Join(page1, ",")+"]")
		case "2":
			fmt.Fprint(w, "["+strings.Join(page2, ",")+"]")
		default:
			t.Errorf("unexpected page %q requested", page)
			fmt.Fprint(w, "[]")
		}
	})

	env := newTestEnv(t, mux)

	stats, err := env.engine.SyncStaff(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Saved)
	assert.Equal(t, 2, stats.NoUserID)
	assert.Equal(t, 0, stats.Duplicates)
	assert.Equal(t, 14, stats.Loaded)
	assert.Equal(t, []string{"1", "2"}, pagesServed)

	// All 12 valid records landed and are active.
	got, err := env.store.StaffStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, got.Total)
	assert.Equal(t, 12, got.Active)
}

func TestSyncStaff_SecondRunIsIdempotent(t *testing.T) {
	records := []string{
		staffJSON(1, 1001, "Ivanov Ivan"),
		staffJSON(2, 1002, "Petrova Anna"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+strings.Join(records, ",")+"]")
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	stats1, err := env.engine.SyncStaff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats1.Saved)

	before := make(map[int64]*store.Staff)
	for _, id := range []int64{1, 2} {
		row, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), id)
		require.NoError(t, err)
		before[id] = row
	}

	// An unchanged remote yields no net new rows and no changed fields.
	stats2, err := env.engine.SyncStaff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats2.Saved)
	assert.EqualValues(t, 0, stats2.Deactivated)

	got, err := env.store.StaffStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 2, got.Active)

	for _, id := range []int64{1, 2} {
		after, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), id)
		require.NoError(t, err)
		assert.Equal(t, before[id], after, "person %d must be untouched by the second run", id)
	}
}

func TestSyncStaff_SkipsSuspiciousAndDuplicates(t *testing.T) {
	records := []string{
		staffJSON(1, 1001, "Ivanov Ivan"),
		staffJSON(1, 1001, "Ivanov Ivan"), // duplicate id
		staffJSON(2, 1002, "Англ_12"),     // placeholder name
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+strings.Join(records, ",")+"]")
	})

	env := newTestEnv(t, mux)

	stats, err := env.engine.SyncStaff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Saved)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Skipped)
}

func TestSyncStaff_ReconciliationConverges(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+staffJSON(1, 1001, "Ivanov Ivan")+"]")
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	// Person 2 was active in a previous run; person 1 was deactivated.
	prev := env.now.Add(-24 * time.Hour)
	seeded := []*store.Staff{
		{PersonID: 1, UserID: 1001, Name: "Ivanov Ivan", LastName: "Ivanov", IsActive: false, DeactivatedAt: &prev, CreatedAt: prev, UpdatedAt: prev},
		{PersonID: 2, UserID: 1002, Name: "Petrov Petr", LastName: "Petrov", IsActive: true, CreatedAt: prev, UpdatedAt: prev},
	}
	for _, st := range seeded {
		require.NoError(t, env.store.InsertStaff(ctx, env.store.Querier(), st))
	}

	stats, err := env.engine.SyncStaff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Saved)
	assert.EqualValues(t, 1, stats.Deactivated)

	reactivated, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), 1)
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	assert.Nil(t, reactivated.DeactivatedAt)

	absent, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), 2)
	require.NoError(t, err)
	assert.False(t, absent.IsActive)
	require.NotNil(t, absent.DeactivatedAt)
	assert.True(t, absent.DeactivatedAt.Equal(env.now))
}

func TestSyncStaff_FailedFetchDeactivatesNobody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	prev := env.now.Add(-24 * time.Hour)
	require.NoError(t, env.store.InsertStaff(ctx, env.store.Querier(), &store.Staff{
		PersonID: 1, UserID: 1001, Name: "Ivanov Ivan", LastName: "Ivanov",
		IsActive: true, CreatedAt: prev, UpdatedAt: prev,
	}))

	_, err := env.engine.SyncStaff(ctx)
	require.Error(t, err)

	still, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), 1)
	require.NoError(t, err)
	assert.True(t, still.IsActive, "an incomplete fetch must not deactivate anyone")
}

func TestSyncStaff_SparsePayloadKeepsFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		// No phone, no email this time around.
		fmt.Fprint(w, `[{"id":1,"user_id":1001,"name":"Ivanov Ivan","user":{"last_name":"Ivanov","first_name":"Ivan"}}]`)
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	prev := env.now.Add(-24 * time.Hour)
	require.NoError(t, env.store.InsertStaff(ctx, env.store.Querier(), &store.Staff{
		PersonID: 1, UserID: 1001, Name: "Ivanov Ivan", LastName: "Ivanov",
		Email: "old@example.com", Phone: "79991234567",
		IsActive: true, CreatedAt: prev, UpdatedAt: prev,
	}))

	_, err := env.engine.SyncStaff(ctx)
	require.NoError(t, err)

	got, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), 1)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", got.Email)
	assert.Equal(t, "79991234567", got.Phone)
}

func TestSyncStaff_AttachesExternalIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1,"user_id":1001,"name":"Ivanov Ivan","user_integration_id":777,"user":{"last_name":"Ivanov"}}]`)
	})

	env := newTestEnv(t, mux)
	env.ids.byStaff = map[int64]identity.Result{
		777: {Outcome: identity.Found, ExternalID: "987654", Link: "https://messenger.example/u/987654"},
	}

	_, err := env.engine.SyncStaff(context.Background())
	require.NoError(t, err)

	got, err := env.store.GetStaffByPersonID(context.Background(), env.store.Querier(), 1)
	require.NoError(t, err)
	assert.Equal(t, "987654", got.ExternalID)
	assert.Equal(t, "https://messenger.example/u/987654", got.ExternalLink)
}

func TestSyncClasses_NameParsingAndMentorLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+staffJSON(101, 1101, "Ivanova Anna")+"]")
	})
	mux.HandleFunc("/class_units", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":7,"name":"7-А","school_id":28,"class_level_id":7,"mentor_ids":[101,999]},918]`)
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	_, err := env.engine.SyncStaff(ctx)
	require.NoError(t, err)

	ids, stats, err := env.engine.SyncClasses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Saved)
	assert.Equal(t, []int64{7, 918}, ids)

	cu, err := env.store.GetClassUnit(ctx, env.store.Querier(), 7)
	require.NoError(t, err)
	assert.Equal(t, "7-А", cu.Name)
	assert.Equal(t, "7", cu.Parallel)
	assert.Equal(t, "А", cu.Literal)

	// Bare id entries get a synthetic name.
	fallback, err := env.store.GetClassUnit(ctx, env.store.Querier(), 918)
	require.NoError(t, err)
	assert.Equal(t, "Class_918", fallback.Name)

	// Mentor 101 resolves to a staff row; unknown mentor 999 is skipped.
	mentor, err := env.store.GetStaffByPersonID(ctx, env.store.Querier(), 101)
	require.NoError(t, err)
	links, err := env.store.ListClassStaffIDs(ctx, env.store.Querier(), 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{mentor.ID}, links)
}

func TestSyncStudents_ParentsAndScopedDeactivation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/class_units", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":7,"name":"7-А"}]`)
	})
	mux.HandleFunc("/student_profiles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("class_unit_ids"))
		fmt.Fprint(w, `[
			{"person_id":501,"last_name":"Sidorov","first_name":"Oleg","phone_number":"89995550001","email_ezd":"oleg@ezd.example",
			 "parents":[{"person_id":601,"name":"Sidorova Maria Petrovna","phone_number":"89995550002","email":"maria@example.com"}]},
			{"person_id":502,"last_name":"Kuznetsov","first_name":"Dmitry","parents":[]}
		]`)
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	_, _, err := env.engine.SyncClasses(ctx)
	require.NoError(t, err)

	// A student of this class missing from the fetch, plus one from another
	// class that must be left alone.
	prev := env.now.Add(-24 * time.Hour)
	require.NoError(t, env.store.UpsertClassUnit(ctx, env.store.Querier(), &store.ClassUnit{ID: 8, Name: "8-Б"}, prev))
	for _, st := range []*store.Student{
		{PersonID: 503, LastName: "Gone", FirstName: "G", ClassUnitID: 7, IsActive: true, CreatedAt: prev, UpdatedAt: prev},
		{PersonID: 504, LastName: "Other", FirstName: "O", ClassUnitID: 8, IsActive: true, CreatedAt: prev, UpdatedAt: prev},
	} {
		require.NoError(t, env.store.InsertStudent(ctx, env.store.Querier(), st))
	}

	rep, err := env.engine.SyncStudents(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Students.Saved)
	assert.EqualValues(t, 1, rep.Students.Deactivated)
	assert.Equal(t, 1, rep.Parents.Saved)
	assert.Equal(t, 1, rep.LinksCreated)

	student, err := env.store.GetStudentByPersonID(ctx, env.store.Querier(), 501)
	require.NoError(t, err)
	assert.Equal(t, "79995550001", student.Phone)
	assert.Equal(t, "oleg@ezd.example", student.Email)

	parent, err := env.store.GetParentByPersonID(ctx, env.store.Querier(), 601)
	require.NoError(t, err)
	assert.Equal(t, "Sidorova", parent.LastName)
	assert.Equal(t, "Maria", parent.FirstName)
	assert.Equal(t, "Petrovna", parent.MiddleName)

	parentIDs, err := env.store.ListStudentParentIDs(ctx, env.store.Querier(), student.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{parent.ID}, parentIDs)

	gone, err := env.store.GetStudentByPersonID(ctx, env.store.Querier(), 503)
	require.NoError(t, err)
	assert.False(t, gone.IsActive)

	other, err := env.store.GetStudentByPersonID(ctx, env.store.Querier(), 504)
	require.NoError(t, err)
	assert.True(t, other.IsActive, "students of other classes are out of scope")

	// A second identical run is a no-op: no new links, nothing deactivated.
	rep2, err := env.engine.SyncStudents(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, rep2.LinksCreated)
	assert.EqualValues(t, 0, rep2.Students.Deactivated)
}

func TestSyncStudents_FailedRecordCountsNoParents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/student_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"person_id":501,"last_name":"Sidorov","first_name":"Oleg",
			"parents":[{"person_id":601,"name":"Sidorova Maria"}]}]`)
	})

	env := newTestEnv(t, mux)
	ctx := context.Background()

	prev := env.now.Add(-24 * time.Hour)
	require.NoError(t, env.store.UpsertClassUnit(ctx, env.store.Querier(), &store.ClassUnit{ID: 7, Name: "7-А"}, prev))

	// Break the link table so the record fails after the parent row was
	// written: the savepoint must roll everything back and the report must
	// not carry counts for the vanished rows.
	_, err := env.store.Querier().ExecContext(ctx, `DROP TABLE parent_student`)
	require.NoError(t, err)

	rep, err := env.engine.SyncStudents(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Students.Errors)
	assert.Equal(t, 0, rep.Students.Saved)
	assert.Equal(t, 0, rep.Parents.Saved)
	assert.Equal(t, 0, rep.LinksCreated)

	_, err = env.store.GetStudentByPersonID(ctx, env.store.Querier(), 501)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.GetParentByPersonID(ctx, env.store.Querier(), 601)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_FullPipeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/teacher_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+staffJSON(101, 1101, "Ivanova Anna")+"]")
	})
	mux.HandleFunc("/class_units", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":7,"name":"7-А","mentor_ids":[101]}]`)
	})
	mux.HandleFunc("/student_profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"person_id":501,"last_name":"Sidorov","first_name":"Oleg","parents":[{"person_id":601,"name":"Sidorova Maria"}]}]`)
	})

	env := newTestEnv(t, mux)

	rep := env.engine.Run(context.Background(), nil)
	assert.Equal(t, 1, rep.Staff.Saved)
	assert.Equal(t, 1, rep.Classes.Saved)
	assert.Equal(t, 1, rep.Students.Saved)
	assert.Equal(t, 1, rep.Parents.Saved)
	assert.Equal(t, 1, rep.LinksCreated)
	assert.Equal(t, 1, rep.ClassesFetched)
	assert.Equal(t, 0, rep.ClassesFailed)

	totals, err := env.store.EntityTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, totals.StaffTotal)
	assert.Equal(t, 1, totals.Classes)
	assert.Equal(t, 1, totals.StudentsTotal)
	assert.Equal(t, 1, totals.ParentsTotal)
}

func TestSplitClassName(t *testing.T) {
	tests := []struct {
		name     string
		parallel string
		literal  string
	}{
		{"7-А", "7", "А"},
		{"11-Б", "11", "Б"},
		{"Class_918", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		p, l := splitClassName(tt.name)
		assert.Equal(t, tt.parallel, p, "name %q", tt.name)
		assert.Equal(t, tt.literal, l, "name %q", tt.name)
	}
}
