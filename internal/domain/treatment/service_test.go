package treatment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/db/dbtest"
	"github.com/clinic/clinic/internal/platform/events"
)

// -- Mock Repository --

type mockPlanRepo struct {
	mu       sync.Mutex
	plans    map[uuid.UUID]Plan
	patients map[uuid.UUID]uuid.UUID // patient -> tenant
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{
		plans:    make(map[uuid.UUID]Plan),
		patients: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockPlanRepo) tenant(ctx context.Context) (uuid.UUID, error) {
	tid := db.TenantFromContext(ctx)
	if tid == uuid.Nil {
		return uuid.Nil, apperr.New(apperr.Forbidden, "no tenant scope")
	}
	return tid, nil
}

func clonePlan(p Plan) *Plan {
	p.Items = append([]Item{}, p.Items...)
	return &p
}

func (m *mockPlanRepo) Create(ctx context.Context, p *Plan) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.TenantID = tid
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	for i := range p.Items {
		p.Items[i].ID = uuid.New()
		p.Items[i].PlanID = p.ID
	}
	m.plans[p.ID] = *clonePlan(*p)
	return nil
}

func (m *mockPlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok || p.TenantID != tid {
		return nil, apperr.NotFoundf("treatment plan")
	}
	return clonePlan(p), nil
}

func (m *mockPlanRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Plan, error) {
	if !dbtest.InTransaction(ctx) {
		return nil, errors.New("row lock outside transaction")
	}
	return m.GetByID(ctx, id)
}

func (m *mockPlanRepo) Update(ctx context.Context, p *Plan) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.plans[p.ID]
	if !ok || cur.TenantID != tid {
		return apperr.NotFoundf("treatment plan")
	}
	cur.Title, cur.Notes, cur.Status = p.Title, p.Notes, p.Status
	cur.UpdatedAt = time.Now()
	m.plans[p.ID] = cur
	return nil
}

func (m *mockPlanRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok || p.TenantID != tid {
		return apperr.NotFoundf("treatment plan")
	}
	delete(m.plans, id)
	return nil
}

func (m *mockPlanRepo) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Plan, int, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Plan
	for _, p := range m.plans {
		if p.TenantID != tid {
			continue
		}
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, clonePlan(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Title < result[j].Title })
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

func (m *mockPlanRepo) withPlan(ctx context.Context, planID uuid.UUID, fn func(p *Plan) error) error {
	tid, err := m.tenant(ctx)
	if err != nil {
		return err
	}
	if !dbtest.InTransaction(ctx) {
		return errors.New("item write outside transaction")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok || p.TenantID != tid {
		return apperr.NotFoundf("treatment plan")
	}
	if err := fn(&p); err != nil {
		return err
	}
	m.plans[planID] = p
	return nil
}

func (m *mockPlanRepo) AddItem(ctx context.Context, it *Item) error {
	return m.withPlan(ctx, it.PlanID, func(p *Plan) error {
		it.ID = uuid.New()
		it.CreatedAt = time.Now()
		it.UpdatedAt = it.CreatedAt
		p.Items = append(append([]Item{}, p.Items...), *it)
		return nil
	})
}

func (m *mockPlanRepo) UpdateItem(ctx context.Context, it *Item) error {
	return m.withPlan(ctx, it.PlanID, func(p *Plan) error {
		for i := range p.Items {
			if p.Items[i].ID == it.ID {
				it.UpdatedAt = time.Now()
				p.Items = append([]Item{}, p.Items...)
				p.Items[i] = *it
				return nil
			}
		}
		return apperr.NotFoundf("treatment item")
	})
}

func (m *mockPlanRepo) RemoveItem(ctx context.Context, planID, itemID uuid.UUID) error {
	return m.withPlan(ctx, planID, func(p *Plan) error {
		for i := range p.Items {
			if p.Items[i].ID == itemID {
				next := append([]Item{}, p.Items[:i]...)
				p.Items = append(next, p.Items[i+1:]...)
				return nil
			}
		}
		return apperr.NotFoundf("treatment item")
	})
}

func (m *mockPlanRepo) PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	tid, err := m.tenant(ctx)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patients[patientID] == tid, nil
}

// -- Fake billing --

type fakeBilling struct {
	mu       sync.Mutex
	invoices []*billing.Invoice
}

func (b *fakeBilling) CreateInvoiceInTx(ctx context.Context, p *auth.Principal, in billing.CreateInvoiceInput) (*billing.Invoice, events.Event, error) {
	if !dbtest.InTransaction(ctx) {
		return nil, events.Event{}, errors.New("invoice created outside the plan transaction")
	}
	if err := auth.Require(p, auth.BillingWrite); err != nil {
		return nil, events.Event{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inv := &billing.Invoice{
		ID:        uuid.New(),
		Number:    billing.FormatNumber(int64(len(b.invoices) + 1)),
		PatientID: in.PatientID,
		PlanID:    in.PlanID,
		Status:    billing.StatusDraft,
	}
	for i, it := range in.Items {
		inv.Items = append(inv.Items, billing.InvoiceItem{Position: i, Description: it.Description, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	t := billing.ComputeTotals(inv.Items, in.TaxRate, in.Discount)
	inv.Subtotal, inv.TaxAmount, inv.Total = t.Subtotal, t.TaxAmount, t.Total
	b.invoices = append(b.invoices, inv)
	return inv, events.Event{TenantID: p.TenantID(), Action: "invoice.created", Entity: "invoice", EntityID: inv.ID.String()}, nil
}

func (b *fakeBilling) PlanLineDescriptions(_ context.Context, _ *auth.Principal, planID uuid.UUID) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, inv := range b.invoices {
		if inv.PlanID != nil && *inv.PlanID == planID {
			for _, it := range inv.Items {
				out = append(out, it.Description)
			}
		}
	}
	return out, nil
}

func (b *fakeBilling) lineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, inv := range b.invoices {
		n += len(inv.Items)
	}
	return n
}

// -- Fixture --

type fixture struct {
	svc       *Service
	repo      *mockPlanRepo
	billing   *fakeBilling
	tx        *dbtest.SerialTransactor
	rec       *events.Recorder
	tenant    uuid.UUID
	patient   uuid.UUID
	owner     *auth.Principal
	doctor    *auth.Principal
	assistant *auth.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMockPlanRepo(),
		billing: &fakeBilling{},
		tx:      &dbtest.SerialTransactor{},
		rec:     &events.Recorder{},
		tenant:  uuid.New(),
		patient: uuid.New(),
	}
	f.repo.patients[f.patient] = f.tenant
	f.owner = f.principal(auth.RoleOwner)
	f.doctor = f.principal(auth.RoleDoctor)
	f.assistant = f.principal(auth.RoleAssistant)
	f.svc = NewService(f.repo, f.billing, f.tx, f.rec)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) principal(role string) *auth.Principal {
	return auth.NewPrincipal(f.tenant, uuid.New(), uuid.New(), role, auth.DefaultPermissions(role))
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) plan(t *testing.T, procedures ...string) *Plan {
	t.Helper()
	in := CreatePlanInput{PatientID: f.patient, Title: "Upper arch"}
	for _, p := range procedures {
		in.Items = append(in.Items, ItemInput{Procedure: p, Cost: money("1000"), Discount: money("100")})
	}
	plan, err := f.svc.CreatePlan(context.Background(), f.doctor, in)
	require.NoError(t, err)
	return plan
}

// accepted walks a new plan through PROPOSED to ACCEPTED.
func (f *fixture) accepted(t *testing.T, procedures ...string) *Plan {
	t.Helper()
	plan := f.plan(t, procedures...)
	ctx := context.Background()
	_, err := f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanProposed})
	require.NoError(t, err)
	plan, err = f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanAccepted})
	require.NoError(t, err)
	return plan
}

func (f *fixture) setItem(t *testing.T, planID, itemID uuid.UUID, st ItemStatus) *Plan {
	t.Helper()
	plan, err := f.svc.SetItemStatus(context.Background(), f.doctor, planID, itemID, ItemStatusInput{Status: st})
	require.NoError(t, err)
	return plan
}

func (f *fixture) stored(t *testing.T, id uuid.UUID) Plan {
	t.Helper()
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	p, ok := f.repo.plans[id]
	require.True(t, ok)
	return p
}

// -- Plans --

func TestCreatePlan(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, "Filling", "Crown")

	assert.Equal(t, PlanDraft, plan.Status)
	require.Len(t, plan.Items, 2)
	assert.Equal(t, ItemPending, plan.Items[0].Status)
	assert.Equal(t, 1, plan.Items[1].Position)
	assert.Equal(t, "1800.00", plan.Total().StringFixed(2))
	assert.Equal(t, []string{"treatment_plan.created"}, f.rec.Actions())
}

func TestCreatePlan_DiscountAboveCost(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePlan(context.Background(), f.doctor, CreatePlanInput{
		PatientID: f.patient,
		Title:     "Implant",
		Items:     []ItemInput{{Procedure: "Implant", Cost: money("500"), Discount: money("600")}},
	})
	e, ok := apperr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperr.ValidationFailed, e.Kind)
	assert.Equal(t, "discount", e.Field)
}

func TestCreatePlan_ForeignPatient(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePlan(context.Background(), f.doctor, CreatePlanInput{PatientID: uuid.New(), Title: "x"})
	assert.True(t, apperr.Is(err, apperr.NotFound), "got %v", err)
}

func TestTransitionPlan_ApprovalGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "Filling")
	_, err := f.svc.TransitionPlan(ctx, f.assistant, plan.ID, TransitionInput{Status: PlanProposed})
	require.NoError(t, err)

	_, err = f.svc.TransitionPlan(ctx, f.assistant, plan.ID, TransitionInput{Status: PlanAccepted})
	assert.True(t, apperr.Is(err, apperr.Forbidden), "assistants cannot approve, got %v", err)
	assert.Equal(t, PlanProposed, f.stored(t, plan.ID).Status)

	got, err := f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanAccepted})
	require.NoError(t, err)
	assert.Equal(t, PlanAccepted, got.Status)
}

func TestTransitionPlan_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "Filling")

	_, err := f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanInProgress})
	assert.True(t, apperr.Is(err, apperr.InvalidTransition), "got %v", err)
	_, err = f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: "ON_HOLD"})
	assert.True(t, apperr.Is(err, apperr.ValidationFailed), "got %v", err)

	_, err = f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanCancelled})
	require.NoError(t, err)
	reopened, err := f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanDraft})
	require.NoError(t, err)
	assert.Equal(t, PlanDraft, reopened.Status)
}

func TestUpdatePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t)
	title := "Lower arch"
	got, err := f.svc.UpdatePlan(ctx, f.doctor, plan.ID, UpdatePlanInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Lower arch", got.Title)

	_, err = f.svc.TransitionPlan(ctx, f.doctor, plan.ID, TransitionInput{Status: PlanCancelled})
	require.NoError(t, err)
	_, err = f.svc.UpdatePlan(ctx, f.doctor, plan.ID, UpdatePlanInput{Title: &title})
	assert.True(t, apperr.Is(err, apperr.ImmutableState), "got %v", err)
}

func TestDeletePlan_DraftOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := f.plan(t, "Filling")
	require.NoError(t, f.svc.DeletePlan(ctx, f.doctor, draft.ID))
	_, err := f.svc.GetPlan(ctx, f.doctor, draft.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	accepted := f.accepted(t, "Filling")
	err = f.svc.DeletePlan(ctx, f.doctor, accepted.ID)
	assert.True(t, apperr.Is(err, apperr.ImmutableState), "got %v", err)
}

func TestGetPlan_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, "Filling")
	outsider := auth.NewPrincipal(uuid.New(), uuid.New(), uuid.New(), auth.RoleOwner, auth.DefaultPermissions(auth.RoleOwner))

	_, err := f.svc.GetPlan(context.Background(), outsider, plan.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound), "got %v", err)
	_, err = f.svc.AddItem(context.Background(), outsider, plan.ID, ItemInput{Procedure: "x"})
	assert.True(t, apperr.Is(err, apperr.NotFound), "got %v", err)
}

func TestListPlans(t *testing.T) {
	f := newFixture(t)
	f.plan(t)
	f.accepted(t)

	plans, total, err := f.svc.ListPlans(context.Background(), f.assistant, ListFilter{Status: PlanAccepted}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, PlanAccepted, plans[0].Status)
}

// -- Items and derived status --

func TestAcceptedPlan_AddThenComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.accepted(t)

	plan, err := f.svc.AddItem(ctx, f.doctor, plan.ID, ItemInput{Procedure: "Root canal", Cost: money("4500")})
	require.NoError(t, err)
	assert.Equal(t, PlanInProgress, plan.Status)
	assert.Equal(t, PlanInProgress, f.stored(t, plan.ID).Status)

	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)
	assert.Equal(t, PlanCompleted, plan.Status)
	assert.Equal(t, PlanCompleted, f.stored(t, plan.ID).Status)
	require.NotNil(t, plan.Items[0].CompletedDate)

	actions := f.rec.Actions()
	assert.Equal(t, "treatment_item.status_changed", actions[len(actions)-1])
}

func TestSetItemStatus_StartsAcceptedPlan(t *testing.T) {
	f := newFixture(t)
	plan := f.accepted(t, "Filling", "Crown")

	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemInProgress)
	assert.Equal(t, PlanInProgress, plan.Status)

	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)
	assert.Equal(t, PlanInProgress, plan.Status)
	plan = f.setItem(t, plan.ID, plan.Items[1].ID, ItemCancelled)
	assert.Equal(t, PlanCompleted, plan.Status)
}

func TestSetItemStatus_RevertClearsCompletedDate(t *testing.T) {
	f := newFixture(t)
	plan := f.accepted(t, "Filling", "Crown")

	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)
	require.NotNil(t, plan.Items[0].CompletedDate)
	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemScheduled)
	assert.Nil(t, plan.Items[0].CompletedDate)
	assert.Nil(t, f.stored(t, plan.ID).Items[0].CompletedDate)
}

func TestSetItemStatus_DraftPlanDoesNotDerive(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, "Filling")
	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)
	assert.Equal(t, PlanDraft, plan.Status)
}

func TestItems_FrozenOnClosedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.accepted(t, "Filling")
	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)
	require.Equal(t, PlanCompleted, plan.Status)
	itemID := plan.Items[0].ID

	_, err := f.svc.AddItem(ctx, f.doctor, plan.ID, ItemInput{Procedure: "Extra"})
	assert.True(t, apperr.Is(err, apperr.ImmutableState), "got %v", err)
	_, err = f.svc.SetItemStatus(ctx, f.doctor, plan.ID, itemID, ItemStatusInput{Status: ItemPending})
	assert.True(t, apperr.Is(err, apperr.ImmutableState), "got %v", err)
	_, err = f.svc.RemoveItem(ctx, f.doctor, plan.ID, itemID)
	assert.True(t, apperr.Is(err, apperr.ImmutableState), "got %v", err)
	cost := money("1")
	_, err = f.svc.UpdateItem(ctx, f.doctor, plan.ID, itemID, UpdateItemInput{Cost: &cost})
	assert.True(t, apperr.Is(err, apperr.ImmutableState), "got %v", err)
	assert.Len(t, f.stored(t, plan.ID).Items, 1)
}

func TestUpdateItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "Filling")
	itemID := plan.Items[0].ID

	cost, tooth := money("1500"), "26"
	got, err := f.svc.UpdateItem(ctx, f.doctor, plan.ID, itemID, UpdateItemInput{Cost: &cost, Tooth: &tooth})
	require.NoError(t, err)
	assert.Equal(t, "1400.00", got.Items[0].Net().StringFixed(2))
	assert.Equal(t, "26", got.Items[0].Tooth)

	discount := money("2000")
	_, err = f.svc.UpdateItem(ctx, f.doctor, plan.ID, itemID, UpdateItemInput{Discount: &discount})
	assert.True(t, apperr.Is(err, apperr.ValidationFailed), "got %v", err)

	_, err = f.svc.UpdateItem(ctx, f.doctor, plan.ID, uuid.New(), UpdateItemInput{Cost: &cost})
	assert.True(t, apperr.Is(err, apperr.NotFound), "got %v", err)
}

func TestRemoveItem_CompletesRemainingWork(t *testing.T) {
	f := newFixture(t)
	plan := f.accepted(t, "Filling", "Crown")
	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)
	require.Equal(t, PlanInProgress, plan.Status)

	got, err := f.svc.RemoveItem(context.Background(), f.doctor, plan.ID, plan.Items[1].ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)
	assert.Equal(t, PlanCompleted, got.Status)
}

func TestAddItem_Positions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "Filling", "Crown")
	plan, err := f.svc.RemoveItem(ctx, f.doctor, plan.ID, plan.Items[0].ID)
	require.NoError(t, err)
	plan, err = f.svc.AddItem(ctx, f.doctor, plan.ID, ItemInput{Procedure: "Cleaning"})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Items[len(plan.Items)-1].Position)
}

// -- Invoicing --

func (f *fixture) completedPlan(t *testing.T, procedures ...string) *Plan {
	t.Helper()
	plan := f.accepted(t, procedures...)
	for _, it := range plan.Items {
		plan = f.setItem(t, plan.ID, it.ID, ItemCompleted)
	}
	return plan
}

func itemIDs(plan *Plan) []uuid.UUID {
	out := make([]uuid.UUID, len(plan.Items))
	for i, it := range plan.Items {
		out[i] = it.ID
	}
	return out
}

func TestGenerateInvoiceFromPlan(t *testing.T) {
	f := newFixture(t)
	plan := f.completedPlan(t, "Filling", "Crown")

	inv, err := f.svc.GenerateInvoiceFromPlan(context.Background(), f.owner, plan.ID, GenerateInvoiceInput{ItemIDs: itemIDs(plan)})
	require.NoError(t, err)
	require.Len(t, inv.Items, 2)
	assert.Equal(t, "Filling", inv.Items[0].Description)
	assert.Equal(t, 1, inv.Items[0].Quantity)
	assert.Equal(t, "900.00", inv.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, plan.ID, *inv.PlanID)
	assert.Equal(t, f.patient, inv.PatientID)

	actions := f.rec.Actions()
	assert.Equal(t, []string{"invoice.created", "treatment_plan.invoiced"}, actions[len(actions)-2:])
}

func TestGenerateInvoiceFromPlan_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.completedPlan(t, "Filling", "Crown")
	in := GenerateInvoiceInput{ItemIDs: itemIDs(plan)}

	_, err := f.svc.GenerateInvoiceFromPlan(ctx, f.owner, plan.ID, in)
	require.NoError(t, err)
	published := len(f.rec.Events())

	_, err = f.svc.GenerateInvoiceFromPlan(ctx, f.owner, plan.ID, in)
	assert.True(t, apperr.Is(err, apperr.ValidationFailed), "got %v", err)
	assert.Equal(t, 2, f.billing.lineCount())
	assert.Len(t, f.rec.Events(), published, "failed generation publishes nothing")
}

func TestGenerateInvoiceFromPlan_SkipsBilledItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.accepted(t, "Filling", "Crown")
	plan = f.setItem(t, plan.ID, plan.Items[0].ID, ItemCompleted)

	_, err := f.svc.GenerateInvoiceFromPlan(ctx, f.owner, plan.ID, GenerateInvoiceInput{ItemIDs: []uuid.UUID{plan.Items[0].ID}})
	require.NoError(t, err)

	plan = f.setItem(t, plan.ID, plan.Items[1].ID, ItemCompleted)
	inv, err := f.svc.GenerateInvoiceFromPlan(ctx, f.owner, plan.ID, GenerateInvoiceInput{ItemIDs: itemIDs(plan)})
	require.NoError(t, err)
	require.Len(t, inv.Items, 1)
	assert.Equal(t, "Crown", inv.Items[0].Description)
}

func TestGenerateInvoiceFromPlan_SameProcedureTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.completedPlan(t, "Filling", "Filling")
	in := GenerateInvoiceInput{ItemIDs: itemIDs(plan)}

	inv, err := f.svc.GenerateInvoiceFromPlan(ctx, f.owner, plan.ID, in)
	require.NoError(t, err)
	assert.Len(t, inv.Items, 2, "both items are unbilled when the call starts")

	_, err = f.svc.GenerateInvoiceFromPlan(ctx, f.owner, plan.ID, in)
	assert.True(t, apperr.Is(err, apperr.ValidationFailed), "got %v", err)
	assert.Equal(t, 2, f.billing.lineCount())
}

func TestGenerateInvoiceFromPlan_DuplicateIDs(t *testing.T) {
	f := newFixture(t)
	plan := f.completedPlan(t, "Filling")
	id := plan.Items[0].ID
	inv, err := f.svc.GenerateInvoiceFromPlan(context.Background(), f.owner, plan.ID, GenerateInvoiceInput{ItemIDs: []uuid.UUID{id, id}})
	require.NoError(t, err)
	assert.Len(t, inv.Items, 1)
}

func TestGenerateInvoiceFromPlan_RejectsOpenItems(t *testing.T) {
	f := newFixture(t)
	plan := f.accepted(t, "Filling")
	_, err := f.svc.GenerateInvoiceFromPlan(context.Background(), f.owner, plan.ID, GenerateInvoiceInput{ItemIDs: itemIDs(plan)})
	e, ok := apperr.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperr.ValidationFailed, e.Kind)
	assert.Equal(t, "item_ids", e.Field)
	assert.Zero(t, f.billing.lineCount())
}

func TestGenerateInvoiceFromPlan_NeedsBothPermissions(t *testing.T) {
	f := newFixture(t)
	plan := f.completedPlan(t, "Filling")
	in := GenerateInvoiceInput{ItemIDs: itemIDs(plan)}

	accountant := f.principal(auth.RoleAccountant)
	for _, p := range []*auth.Principal{f.doctor, accountant} {
		_, err := f.svc.GenerateInvoiceFromPlan(context.Background(), p, plan.ID, in)
		assert.True(t, apperr.Is(err, apperr.Forbidden), "%s: got %v", p.Role(), err)
	}
	assert.Zero(t, f.billing.lineCount())
}

func TestGenerateInvoiceFromPlan_Concurrent(t *testing.T) {
	f := newFixture(t)
	plan := f.completedPlan(t, "Filling")
	in := GenerateInvoiceInput{ItemIDs: itemIDs(plan)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.GenerateInvoiceFromPlan(context.Background(), f.owner, plan.ID, in); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.billing.lineCount())
}
