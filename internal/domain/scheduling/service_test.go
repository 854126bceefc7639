package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/db/dbtest"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/notification"
)

// -- Mock Repository --

type mockApptRepo struct {
	mu            sync.Mutex
	appts         map[uuid.UUID]Appointment
	patients      map[uuid.UUID]uuid.UUID // patient -> tenant
	contacts      map[uuid.UUID]PatientContact
	practitioners map[uuid.UUID]uuid.UUID // practitioner -> tenant
	locks         []uuid.UUID
}

func newMockApptRepo() *mockApptRepo {
	return &mockApptRepo{
		appts:         make(map[uuid.UUID]Appointment),
		patients:      make(map[uuid.UUID]uuid.UUID),
		contacts:      make(map[uuid.UUID]PatientContact),
		practitioners: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockApptRepo) tenant(ctx context.Context) (uuid.UUID, error) {
	tid := db.TenantFromContext(ctx)
	if tid == uuid.Nil {
		return uuid.Nil, apperr.New(apperr.Forbidden, "no tenant scope")
	}
	return tid, nil
}

func (m *mockApptRepo) Create(ctx context.Context, a *Appointment) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.TenantID = tid
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = *a
	return nil
}

func (m *mockApptRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.TenantID != tid {
		return nil, apperr.NotFoundf("appointment")
	}
	return &a, nil
}

func (m *mockApptRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if !dbtest.InTransaction(ctx) {
		return nil, errors.New("row lock outside transaction")
	}
	return m.GetByID(ctx, id)
}

func (m *mockApptRepo) Update(ctx context.Context, a *Appointment) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appts[a.ID]
	if !ok || cur.TenantID != tid {
		return apperr.NotFoundf("appointment")
	}
	a.UpdatedAt = time.Now()
	m.appts[a.ID] = *a
	return nil
}

func (m *mockApptRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.TenantID != tid {
		return apperr.NotFoundf("appointment")
	}
	delete(m.appts, id)
	return nil
}

func (m *mockApptRepo) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		a := a
		if a.TenantID != tid {
			continue
		}
		if f.PractitionerID != nil && !samePractitioner(a.PractitionerID, f.PractitionerID) {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.From != nil && !a.EndsAt.After(*f.From) {
			continue
		}
		if f.To != nil && !a.StartsAt.Before(*f.To) {
			continue
		}
		result = append(result, &a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartsAt.Before(result[j].StartsAt) })
	total := len(result)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (m *mockApptRepo) HasOverlap(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.TenantID != tid || a.PractitionerID == nil || *a.PractitionerID != practitionerID {
			continue
		}
		if !a.Occupies() || (exclude != nil && a.ID == *exclude) {
			continue
		}
		if Overlaps(a.StartsAt, a.EndsAt, start, end) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockApptRepo) LockPractitioner(ctx context.Context, practitionerID uuid.UUID) error {
	if !dbtest.InTransaction(ctx) {
		return errors.New("advisory lock requires a transaction")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, practitionerID)
	return nil
}

func (m *mockApptRepo) PatientContact(ctx context.Context, patientID uuid.UUID) (*PatientContact, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.patients[patientID] != tid {
		return nil, apperr.NotFoundf("patient")
	}
	c := m.contacts[patientID]
	return &c, nil
}

func (m *mockApptRepo) PractitionerExists(ctx context.Context, practitionerID uuid.UUID) (bool, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.practitioners[practitionerID] == tid, nil
}

func (m *mockApptRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

// -- Fixture --

type fixture struct {
	svc     *Service
	repo    *mockApptRepo
	tx      *dbtest.SerialTransactor
	rec     *events.Recorder
	tenant  uuid.UUID
	patient uuid.UUID
	doctor  uuid.UUID
	caller  *auth.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMockApptRepo(),
		tx:      &dbtest.SerialTransactor{},
		rec:     &events.Recorder{},
		tenant:  uuid.New(),
		patient: uuid.New(),
		doctor:  uuid.New(),
	}
	f.repo.patients[f.patient] = f.tenant
	f.repo.contacts[f.patient] = PatientContact{Name: "Ana Reyes", Email: "ana@example.com", Clinic: "Smile Dental", Timezone: "America/New_York"}
	f.repo.practitioners[f.doctor] = f.tenant
	f.caller = auth.NewPrincipal(f.tenant, uuid.New(), uuid.New(), auth.RoleReception, auth.DefaultPermissions(auth.RoleReception))
	f.svc = NewService(f.repo, f.tx, f.rec)
	return f
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func (f *fixture) book(t *testing.T, start, end time.Time) (*Appointment, error) {
	t.Helper()
	doctor := f.doctor
	return f.svc.CreateAppointment(context.Background(), f.caller, CreateAppointmentInput{
		PatientID:      f.patient,
		PractitionerID: &doctor,
		StartsAt:       start,
		EndsAt:         end,
	})
}

// -- Conflict detection --

func TestCreateAppointment_Overlap(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	_, err = f.book(t, at(10, 15), at(10, 45))
	assert.True(t, apperr.Is(err, apperr.DoubleBooked), "got %v", err)

	a, err := f.book(t, at(10, 30), at(11, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, a.Status)
	assert.Equal(t, 2, f.repo.count())
}

func TestCreateAppointment_EnclosingInterval(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	_, err = f.book(t, at(9, 0), at(12, 0))
	assert.True(t, apperr.Is(err, apperr.DoubleBooked))
	_, err = f.book(t, at(10, 5), at(10, 10))
	assert.True(t, apperr.Is(err, apperr.DoubleBooked))
}

func TestCreateAppointment_EndBeforeStart(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(11, 0), at(11, 0))
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ValidationFailed, e.Kind)
	assert.Equal(t, "ends_at", e.Field)
	assert.Empty(t, f.repo.locks, "interval must be rejected before the conflict check")
}

func TestCreateAppointment_CancelledFreesSlot(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	_, err = f.svc.TransitionAppointment(context.Background(), f.caller, a.ID, TransitionInput{Status: StatusCancelled})
	require.NoError(t, err)

	_, err = f.book(t, at(10, 0), at(10, 30))
	assert.NoError(t, err)
}

func TestCreateAppointment_NoShowFreesSlot(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	_, err = f.svc.TransitionAppointment(context.Background(), f.caller, a.ID, TransitionInput{Status: StatusNoShow})
	require.NoError(t, err)

	_, err = f.book(t, at(10, 0), at(10, 30))
	assert.NoError(t, err)
}

func TestCreateAppointment_OtherPractitionerUnaffected(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	other := uuid.New()
	f.repo.practitioners[other] = f.tenant
	_, err = f.svc.CreateAppointment(context.Background(), f.caller, CreateAppointmentInput{
		PatientID: f.patient, PractitionerID: &other, StartsAt: at(10, 0), EndsAt: at(10, 30),
	})
	assert.NoError(t, err)
}

func TestCreateAppointment_WithoutPractitionerSkipsCheck(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		_, err := f.svc.CreateAppointment(context.Background(), f.caller, CreateAppointmentInput{
			PatientID: f.patient, StartsAt: at(10, 0), EndsAt: at(10, 30),
		})
		require.NoError(t, err)
	}
	assert.Empty(t, f.repo.locks)
}

func TestCreateAppointment_ConcurrentDoubleBooking(t *testing.T) {
	f := newFixture(t)
	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.book(t, at(14, 0), at(14, 30))
		}(i)
	}
	wg.Wait()

	ok, doubled := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.DoubleBooked):
			doubled++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, doubled)
	assert.Equal(t, 1, f.repo.count())
	assert.Len(t, f.repo.locks, n, "every attempt must take the practitioner lock")
}

func TestCreateAppointment_ForeignPatient(t *testing.T) {
	f := newFixture(t)
	foreign := uuid.New()
	f.repo.patients[foreign] = uuid.New()

	doctor := f.doctor
	_, err := f.svc.CreateAppointment(context.Background(), f.caller, CreateAppointmentInput{
		PatientID: foreign, PractitionerID: &doctor, StartsAt: at(9, 0), EndsAt: at(9, 30),
	})
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Zero(t, f.repo.count())
}

func TestCreateAppointment_UnknownPractitioner(t *testing.T) {
	f := newFixture(t)
	ghost := uuid.New()
	_, err := f.svc.CreateAppointment(context.Background(), f.caller, CreateAppointmentInput{
		PatientID: f.patient, PractitionerID: &ghost, StartsAt: at(9, 0), EndsAt: at(9, 30),
	})
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestCreateAppointment_Forbidden(t *testing.T) {
	f := newFixture(t)
	accountant := auth.NewPrincipal(f.tenant, uuid.New(), uuid.New(), auth.RoleAccountant, auth.DefaultPermissions(auth.RoleAccountant))
	_, err := f.svc.CreateAppointment(context.Background(), accountant, CreateAppointmentInput{
		PatientID: f.patient, StartsAt: at(9, 0), EndsAt: at(9, 30),
	})
	assert.True(t, apperr.Is(err, apperr.Forbidden))
	assert.Zero(t, f.tx.Commits()+f.tx.Aborts(), "no transaction may start before the permission check")
}

func TestCreateAppointment_PublishesConfirmation(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(15, 0), at(15, 30))
	require.NoError(t, err)

	evts := f.rec.Events()
	require.Len(t, evts, 1)
	e := evts[0]
	assert.Equal(t, "appointment.created", e.Action)
	assert.Equal(t, a.ID.String(), e.EntityID)
	assert.Equal(t, f.caller.UserID(), e.ActorID)
	require.NotNil(t, e.Notify)
	assert.Equal(t, notification.ChannelEmail, e.Notify.Channel)
	assert.Equal(t, "ana@example.com", e.Notify.Recipient)
	// 15:00 UTC in New York during EST.
	assert.Equal(t, "10:00", e.Notify.Data["time"])
	assert.Equal(t, "Smile Dental", e.Notify.Data["clinic"])
}

func TestCreateAppointment_FailureDoesNotPublish(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	_, err = f.book(t, at(10, 0), at(10, 30))
	require.Error(t, err)
	assert.Equal(t, []string{"appointment.created"}, f.rec.Actions())
}

// -- HasConflict --

func TestHasConflict_ExcludesEditedAppointment(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	ctx := context.Background()
	taken, err := f.svc.HasConflict(ctx, f.caller, f.doctor, at(10, 15), at(10, 45), nil)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = f.svc.HasConflict(ctx, f.caller, f.doctor, at(10, 15), at(10, 45), &a.ID)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = f.svc.HasConflict(ctx, f.caller, f.doctor, at(10, 30), at(11, 0), nil)
	require.NoError(t, err)
	assert.False(t, taken, "touching intervals do not overlap")
}

func TestHasConflict_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	outsider := auth.NewPrincipal(uuid.New(), uuid.New(), uuid.New(), auth.RoleDoctor, auth.DefaultPermissions(auth.RoleDoctor))
	taken, err := f.svc.HasConflict(context.Background(), outsider, f.doctor, at(10, 0), at(10, 30), nil)
	require.NoError(t, err)
	assert.False(t, taken)
}

// -- Update --

func TestUpdateAppointment_RescheduleChecksConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	b, err := f.book(t, at(11, 0), at(11, 30))
	require.NoError(t, err)

	start, end := at(10, 20), at(10, 50)
	_, err = f.svc.UpdateAppointment(context.Background(), f.caller, b.ID, UpdateAppointmentInput{StartsAt: &start, EndsAt: &end})
	assert.True(t, apperr.Is(err, apperr.DoubleBooked))

	// Shrinking its own slot never conflicts with itself.
	end = at(11, 15)
	got, err := f.svc.UpdateAppointment(context.Background(), f.caller, b.ID, UpdateAppointmentInput{EndsAt: &end})
	require.NoError(t, err)
	assert.Equal(t, at(11, 15), got.EndsAt)
}

func TestUpdateAppointment_InvertedInterval(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	end := at(9, 0)
	_, err = f.svc.UpdateAppointment(context.Background(), f.caller, a.ID, UpdateAppointmentInput{EndsAt: &end})
	assert.True(t, apperr.Is(err, apperr.ValidationFailed))
}

func TestUpdateAppointment_TerminalIsImmutable(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	ctx := context.Background()
	for _, st := range []Status{StatusInProgress, StatusCompleted} {
		_, err = f.svc.TransitionAppointment(ctx, f.caller, a.ID, TransitionInput{Status: st})
		require.NoError(t, err)
	}
	notes := "late arrival"
	_, err = f.svc.UpdateAppointment(ctx, f.caller, a.ID, UpdateAppointmentInput{Notes: &notes})
	assert.True(t, apperr.Is(err, apperr.ImmutableState))
}

func TestUpdateAppointment_InProgressCannotMove(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = f.svc.TransitionAppointment(ctx, f.caller, a.ID, TransitionInput{Status: StatusInProgress})
	require.NoError(t, err)

	notes := "x-ray taken"
	_, err = f.svc.UpdateAppointment(ctx, f.caller, a.ID, UpdateAppointmentInput{Notes: &notes})
	require.NoError(t, err)

	start := at(12, 0)
	end := at(12, 30)
	_, err = f.svc.UpdateAppointment(ctx, f.caller, a.ID, UpdateAppointmentInput{StartsAt: &start, EndsAt: &end})
	assert.True(t, apperr.Is(err, apperr.ImmutableState))
}

// -- Transitions --

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusConfirmed, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusConfirmed, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCancelled, false},
		{StatusCancelled, StatusScheduled, true},
		{StatusNoShow, StatusScheduled, false},
		{StatusCompleted, StatusScheduled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionAppointment_Invalid(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	_, err = f.svc.TransitionAppointment(context.Background(), f.caller, a.ID, TransitionInput{Status: StatusCompleted})
	assert.True(t, apperr.Is(err, apperr.InvalidTransition))

	_, err = f.svc.TransitionAppointment(context.Background(), f.caller, a.ID, TransitionInput{Status: "ARCHIVED"})
	assert.True(t, apperr.Is(err, apperr.ValidationFailed))
}

func TestTransitionAppointment_ReopenRechecksSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	_, err = f.svc.TransitionAppointment(ctx, f.caller, a.ID, TransitionInput{Status: StatusCancelled})
	require.NoError(t, err)
	_, err = f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	_, err = f.svc.TransitionAppointment(ctx, f.caller, a.ID, TransitionInput{Status: StatusScheduled})
	assert.True(t, apperr.Is(err, apperr.DoubleBooked))

	got, err := f.svc.GetAppointment(ctx, f.caller, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestTransitionAppointment_PublishesStatusChange(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	_, err = f.svc.TransitionAppointment(context.Background(), f.caller, a.ID, TransitionInput{Status: StatusConfirmed})
	require.NoError(t, err)

	evts := f.rec.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, "appointment.status_changed", evts[1].Action)
	assert.Equal(t, StatusScheduled, evts[1].Metadata["from"])
	assert.Equal(t, StatusConfirmed, evts[1].Metadata["to"])
}

// -- Read / delete --

func TestGetAppointment_ForeignTenantIsNotFound(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)

	outsider := auth.NewPrincipal(uuid.New(), uuid.New(), uuid.New(), auth.RoleOwner, auth.DefaultPermissions(auth.RoleOwner))
	_, err = f.svc.GetAppointment(context.Background(), outsider, a.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	err = f.svc.DeleteAppointment(context.Background(), outsider, a.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, 1, f.repo.count())
}

func TestListAppointments_Range(t *testing.T) {
	f := newFixture(t)
	for _, h := range []int{8, 10, 12} {
		_, err := f.book(t, at(h, 0), at(h, 30))
		require.NoError(t, err)
	}
	from, to := at(9, 0), at(12, 0)
	items, total, err := f.svc.ListAppointments(context.Background(), f.caller, ListFilter{From: &from, To: &to}, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, at(10, 0), items[0].StartsAt)

	_, _, err = f.svc.ListAppointments(context.Background(), f.caller, ListFilter{From: &to, To: &from}, 20, 0)
	assert.True(t, apperr.Is(err, apperr.ValidationFailed))
}

func TestDeleteAppointment(t *testing.T) {
	f := newFixture(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteAppointment(context.Background(), f.caller, a.ID))
	assert.Zero(t, f.repo.count())
	assert.Equal(t, []string{"appointment.created", "appointment.deleted"}, f.rec.Actions())
}
