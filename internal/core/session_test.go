package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memSessionRepo is an in-memory SessionRepo.
type memSessionRepo struct {
	records map[string][]SessionRecord
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{records: map[string][]SessionRecord{}}
}

func (m *memSessionRepo) Load(_ context.Context, account string) ([]SessionRecord, error) {
	out := make([]SessionRecord, len(m.records[account]))
	copy(out, m.records[account])
	return out, nil
}

func (m *memSessionRepo) Update(_ context.Context, account string, mutate func([]SessionRecord) ([]SessionRecord, error)) error {
	updated, err := mutate(m.records[account])
	if err != nil {
		return err
	}
	m.records[account] = updated
	return nil
}

// fakeColab is a scriptable ColabRepo.
type fakeColab struct {
	assignments []Assignment
	assigned    Assignment
	assignErr   error
	eligible    []string
}

func (f *fakeColab) CcuInfo(context.Context) (*CcuInfo, error) {
	return &CcuInfo{EligibleGPUs: f.eligible, AssignmentsCount: len(f.assignments)}, nil
}

func (f *fakeColab) Assign(_ context.Context, _ string, variant Variant, _ string) (*Assignment, error) {
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	a := f.assigned
	f.assignments = append(f.assignments, a)
	return &a, nil
}

func (f *fakeColab) ListAssignments(context.Context) ([]Assignment, error) {
	out := make([]Assignment, len(f.assignments))
	copy(out, f.assignments)
	return out, nil
}

func (f *fakeColab) RefreshConnection(_ context.Context, endpoint string) (*ProxyCredentials, error) {
	return &ProxyCredentials{URL: "https://proxy/" + endpoint, Token: "tok-" + endpoint, ExpiresIn: time.Hour}, nil
}

func (f *fakeColab) KeepAlive(context.Context, string) error { return nil }

// fakeConn is a KernelConnection that records calls.
type fakeConn struct {
	initialized bool
	shutdowns   int
}

func (c *fakeConn) Initialize(context.Context) error { c.initialized = true; return nil }
func (c *fakeConn) Execute(context.Context, string, ExecuteOptions) (*ExecutionResult, error) {
	return &ExecutionResult{Status: StatusOK}, nil
}
func (c *fakeConn) Interrupt(context.Context) error    { return nil }
func (c *fakeConn) KernelID() (string, bool)           { return "k", true }
func (c *fakeConn) Shutdown(context.Context, bool) error {
	c.shutdowns++
	return nil
}

func newTestSessionUseCase(colab *fakeColab, tier Tier) (*SessionUseCase, *memSessionRepo, *Pool) {
	repo := newMemSessionRepo()
	pool := NewPool()
	pool.SetTier(tier)
	runtimes := NewRuntimeUseCase(colab, func(*Runtime) KernelConnection { return &fakeConn{} }, "nb-hash")
	return NewSessionUseCase(repo, runtimes, colab, pool, "acct"), repo, pool
}

func TestGetOrCreateCreatesActiveSession(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, repo, _ := newTestSessionUseCase(colab, TierFree)

	record, runtime, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !record.IsActive {
		t.Fatal("new record is not active")
	}
	if record.Variant != VariantGPU {
		t.Fatalf("variant = %q, want GPU", record.Variant)
	}
	if runtime.Proxy.Token == "" {
		t.Fatal("runtime has no proxy credentials")
	}
	if got := len(repo.records["acct"]); got != 1 {
		t.Fatalf("stored %d records, want 1", got)
	}
}

func TestGetOrCreateReusesActiveSession(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, _, _ := newTestSessionUseCase(colab, TierFree)

	first, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// No variant requested: the active session is reused as-is.
	second, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("got new session %s, want reuse of %s", second.ID, first.ID)
	}
}

func TestGetOrCreateEnforcesTierCap(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, _, _ := newTestSessionUseCase(colab, TierFree)

	if _, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	colab.assigned = Assignment{Endpoint: "ep-2", Accelerator: "T4", Variant: VariantGPU}
	_, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{ForceNew: true})

	var limitErr *ErrSessionLimit
	if !errors.As(err, &limitErr) {
		t.Fatalf("err = %v, want ErrSessionLimit", err)
	}
	if limitErr.Max != 1 {
		t.Fatalf("limit = %d, want 1", limitErr.Max)
	}
}

func TestGetOrCreateByPrefix(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, _, _ := newTestSessionUseCase(colab, TierPro)

	record, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _, err := uc.GetOrCreate(context.Background(), record.ID[:8], AssignParams{})
	if err != nil {
		t.Fatalf("prefix lookup: %v", err)
	}
	if got.ID != record.ID {
		t.Fatalf("resolved %s, want %s", got.ID, record.ID)
	}

	// Prefixes under four characters are rejected even when unique.
	_, _, err = uc.GetOrCreate(context.Background(), record.ID[:3], AssignParams{})
	var ambErr *ErrAmbiguousSession
	if !errors.As(err, &ambErr) {
		t.Fatalf("err = %v, want ErrAmbiguousSession", err)
	}
}

func TestSwitchKeepsExactlyOneActive(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, repo, _ := newTestSessionUseCase(colab, TierPro)

	first, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	colab.assigned = Assignment{Endpoint: "ep-2", Accelerator: "A100", Variant: VariantGPU}
	if _, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{ForceNew: true}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, err := uc.Switch(context.Background(), first.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}

	active := 0
	for _, r := range repo.records["acct"] {
		if r.IsActive {
			active++
			if r.ID != first.ID {
				t.Fatalf("active is %s, want %s", r.ID, first.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("%d active records, want exactly 1", active)
	}
}

func TestDeletePromotesMostRecentlyUsed(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, repo, _ := newTestSessionUseCase(colab, TierPro)

	first, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	colab.assigned = Assignment{Endpoint: "ep-2", Accelerator: "A100", Variant: VariantGPU}
	second, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{ForceNew: true})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := uc.Delete(context.Background(), second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	records := repo.records["acct"]
	if len(records) != 1 {
		t.Fatalf("%d records left, want 1", len(records))
	}
	if records[0].ID != first.ID || !records[0].IsActive {
		t.Fatalf("survivor %s active=%v, want %s active", records[0].ID, records[0].IsActive, first.ID)
	}
}

func TestListMarksStaleSessions(t *testing.T) {
	colab := &fakeColab{assigned: Assignment{Endpoint: "ep-1", Accelerator: "T4", Variant: VariantGPU}}
	uc, _, _ := newTestSessionUseCase(colab, TierPro)

	record, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The runtime disappears from the assignment list.
	colab.assignments = nil

	infos, err := uc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != record.ID {
		t.Fatalf("unexpected listing %+v", infos)
	}
	if !infos[0].Stale {
		t.Fatal("record with vanished runtime is not marked stale")
	}

	deleted, err := uc.CleanStale(context.Background())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != record.ID {
		t.Fatalf("cleaned %v, want [%s]", deleted, record.ID)
	}
}

func TestVariantMismatchIsNeverHandedBack(t *testing.T) {
	colab := &fakeColab{
		assignments: []Assignment{{Endpoint: "ep-gpu", Accelerator: "T4", Variant: VariantGPU}},
	}
	uc, _, _ := newTestSessionUseCase(colab, TierPro)

	_, _, err := uc.GetOrCreate(context.Background(), "", AssignParams{Variant: VariantTPU})
	var varErr *ErrVariantUnavailable
	if !errors.As(err, &varErr) {
		t.Fatalf("err = %v, want ErrVariantUnavailable", err)
	}
	if varErr.Requested != VariantTPU {
		t.Fatalf("requested = %q, want TPU", varErr.Requested)
	}
}
