package core

import (
	"context"
	"log/slog"
	"time"
)

// ---------------------------------------------------------------------------
// Runtime types
// ---------------------------------------------------------------------------

// Assignment is a Colab-allocated compute instance the user is
// entitled to use.
type Assignment struct {
	Endpoint    string
	Accelerator string
	Variant     Variant
}

// ProxyCredentials are the short-lived connection credentials for a
// runtime's proxy host. They must be refreshed before each reconnect:
// a stale token makes the proxy answer 404/401.
type ProxyCredentials struct {
	URL       string
	Token     string
	ExpiresIn time.Duration
}

// Runtime is an assignment plus its current proxy credentials and a
// display label derived from the actually-assigned accelerator.
type Runtime struct {
	Label       string
	Accelerator string
	Endpoint    string
	Variant     Variant
	Proxy       ProxyCredentials
}

// CcuInfo is the account's compute-credit summary, used only to infer
// the subscription tier.
type CcuInfo struct {
	EligibleGPUs     []string
	AssignmentsCount int
}

// ---------------------------------------------------------------------------
// Interfaces
// ---------------------------------------------------------------------------

// ColabRepo abstracts the Colab API host: assignment lifecycle,
// proxy-credential refresh, and keep-alive.
type ColabRepo interface {
	// CcuInfo returns the account's compute summary.
	CcuInfo(ctx context.Context) (*CcuInfo, error)
	// Assign creates or returns an existing assignment for the variant.
	Assign(ctx context.Context, notebookHash string, variant Variant, accelerator string) (*Assignment, error)
	// ListAssignments returns the account's current assignments.
	ListAssignments(ctx context.Context) ([]Assignment, error)
	// RefreshConnection returns fresh proxy credentials for an endpoint.
	RefreshConnection(ctx context.Context, endpoint string) (*ProxyCredentials, error)
	// KeepAlive pokes the runtime to prevent idle eviction. Idempotent.
	KeepAlive(ctx context.Context, endpoint string) error
}

// KernelConnection is a live attachment to a remote kernel. The
// concrete implementation lives in internal/connection; the domain
// layer only needs this surface.
type KernelConnection interface {
	// Initialize brings the connection to the CONNECTED state.
	Initialize(ctx context.Context) error
	// Execute submits code and blocks until the structured result is
	// available. Kernel errors are returned inside the result.
	Execute(ctx context.Context, code string, opts ExecuteOptions) (*ExecutionResult, error)
	// Interrupt cancels the in-flight execution cooperatively.
	Interrupt(ctx context.Context) error
	// KernelID returns the remote kernel id. Valid only while the
	// connection is CONNECTED or RECONNECTING.
	KernelID() (string, bool)
	// Shutdown closes the WebSocket and releases all resources.
	Shutdown(ctx context.Context, deleteKernel bool) error
}

// ExecuteOptions control a single execution.
type ExecuteOptions struct {
	// Timeout bounds the execution. Zero means no timeout, which is
	// the default contract.
	Timeout time.Duration
	// OnStream, when set, receives stream chunks as they arrive.
	OnStream func(name, text string)
}

// ConnectionFactory builds a live connection for a runtime. Injected
// so the domain layer stays free of transport imports.
type ConnectionFactory func(runtime *Runtime) KernelConnection

// ---------------------------------------------------------------------------
// Use case
// ---------------------------------------------------------------------------

// AssignParams selects the runtime to assign or reuse.
type AssignParams struct {
	Variant     Variant
	Accelerator string
	ForceNew    bool
}

// RuntimeUseCase translates a requested runtime variant into a live
// Runtime, reusing existing assignments where possible.
type RuntimeUseCase struct {
	colab        ColabRepo
	connect      ConnectionFactory
	notebookHash string
	log          *slog.Logger
}

// NewRuntimeUseCase returns a RuntimeUseCase. notebookHash is the
// install-stable UUID Colab uses as an assignment cache key.
func NewRuntimeUseCase(colab ColabRepo, connect ConnectionFactory, notebookHash string) *RuntimeUseCase {
	return &RuntimeUseCase{
		colab:        colab,
		connect:      connect,
		notebookHash: notebookHash,
		log:          slog.Default().With("component", "runtime"),
	}
}

// AssignRuntime resolves the params to a Runtime with fresh proxy
// credentials. Unless ForceNew is set, an existing assignment of the
// requested variant is reused; an assignment of the wrong variant is
// never handed back.
func (uc *RuntimeUseCase) AssignRuntime(ctx context.Context, params AssignParams) (*Runtime, error) {
	if !params.ForceNew {
		runtime, err := uc.reuseAssignment(ctx, params.Variant)
		if err != nil {
			return nil, err
		}
		if runtime != nil {
			return runtime, nil
		}
	}

	assignment, err := uc.colab.Assign(ctx, uc.notebookHash, params.Variant, params.Accelerator)
	if err != nil {
		return nil, err
	}
	uc.log.Info("runtime assigned", "endpoint", assignment.Endpoint, "accelerator", assignment.Accelerator, "variant", assignment.Variant)

	return uc.buildRuntime(ctx, assignment)
}

// RefreshRuntime rebuilds a Runtime for a known endpoint, verifying
// that the assignment still exists. Used when reconnecting a durable
// session to its pinned runtime.
func (uc *RuntimeUseCase) RefreshRuntime(ctx context.Context, endpoint string) (*Runtime, error) {
	assignments, err := uc.colab.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		if assignments[i].Endpoint == endpoint {
			return uc.buildRuntime(ctx, &assignments[i])
		}
	}
	return nil, &ErrStaleSession{Endpoint: endpoint}
}

// CreateKernelConnection builds an initialized connection to the
// runtime's kernel.
func (uc *RuntimeUseCase) CreateKernelConnection(ctx context.Context, runtime *Runtime) (KernelConnection, error) {
	conn := uc.connect(runtime)
	if err := conn.Initialize(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// reuseAssignment returns a Runtime for the first existing assignment
// matching the variant, nil when none exists, or
// ErrVariantUnavailable when assignments exist but none matches.
func (uc *RuntimeUseCase) reuseAssignment(ctx context.Context, variant Variant) (*Runtime, error) {
	assignments, err := uc.colab.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}

	available := make([]Variant, 0, len(assignments))
	for i := range assignments {
		// Trust the accelerator over the reported variant: a reused
		// GPU must never masquerade as a TPU.
		actual := assignments[i].Variant
		if v := VariantForAccelerator(assignments[i].Accelerator); v != actual {
			actual = v
		}
		if actual == variant {
			uc.log.Info("reusing runtime assignment", "endpoint", assignments[i].Endpoint, "accelerator", assignments[i].Accelerator)
			return uc.buildRuntime(ctx, &assignments[i])
		}
		available = append(available, actual)
	}
	return nil, &ErrVariantUnavailable{Requested: variant, Available: available}
}

func (uc *RuntimeUseCase) buildRuntime(ctx context.Context, assignment *Assignment) (*Runtime, error) {
	creds, err := uc.colab.RefreshConnection(ctx, assignment.Endpoint)
	if err != nil {
		return nil, err
	}
	variant := VariantForAccelerator(assignment.Accelerator)
	return &Runtime{
		Label:       RuntimeLabel(variant, assignment.Accelerator),
		Accelerator: assignment.Accelerator,
		Endpoint:    assignment.Endpoint,
		Variant:     variant,
		Proxy:       *creds,
	}, nil
}
