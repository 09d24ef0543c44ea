// Package app wires the use cases into the command-level operations:
// resolve a session, attach its kernel, execute code, classify the
// outcome, and persist history. Commands stay thin over this layer.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lecoder/lecoder/internal/auth"
	"github.com/lecoder/lecoder/internal/core"
	"github.com/lecoder/lecoder/internal/output"
)

// App composes the domain use cases behind the CLI commands.
type App struct {
	colab    core.ColabRepo
	runtimes *core.RuntimeUseCase
	sessions *core.SessionUseCase
	history  *core.HistoryUseCase
	pool     *core.Pool
	auth     *auth.Session
	log      *slog.Logger
}

// New returns the assembled application.
func New(colab core.ColabRepo, runtimes *core.RuntimeUseCase, sessions *core.SessionUseCase, history *core.HistoryUseCase, pool *core.Pool, session *auth.Session) *App {
	return &App{
		colab:    colab,
		runtimes: runtimes,
		sessions: sessions,
		history:  history,
		pool:     pool,
		auth:     session,
		log:      slog.Default().With("component", "app"),
	}
}

// VerifyAuth forces one access-token mint so credential problems
// surface before any Colab call. Used by --force-login.
func (a *App) VerifyAuth(ctx context.Context) error {
	return a.auth.Verify(ctx)
}

// DetectTier reads the account's compute summary and records the
// subscription tier on the pool. Call once after authentication.
func (a *App) DetectTier(ctx context.Context) error {
	info, err := a.colab.CcuInfo(ctx)
	if err != nil {
		return fmt.Errorf("detect subscription tier: %w", err)
	}
	tier := core.TierFromEligibleGPUs(info.EligibleGPUs)
	a.pool.SetTier(tier)
	a.log.Debug("tier detected", "tier", tier, "eligible_gpus", info.EligibleGPUs)
	return nil
}

// Shutdown closes every live connection.
func (a *App) Shutdown(ctx context.Context) {
	a.pool.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// RunParams select the session, runtime, and execution behavior for
// one run invocation.
type RunParams struct {
	Code          string
	Mode          core.ExecutionMode
	TargetSession string
	Variant       core.Variant
	ForceNew      bool
	Timeout       time.Duration
	OnStream      func(name, text string)
}

// RunOutcome is everything a command needs to render one execution.
type RunOutcome struct {
	Result         *core.ExecutionResult
	Classification core.Classification
	Session        *core.SessionRecord
	Runtime        *core.Runtime
}

// Run executes code on the resolved session's kernel. Kernel failures
// and transport failures mid-execution come back inside the outcome
// with a history entry appended; resolution failures (bad input,
// unknown session, tier limits) are returned as errors with nothing
// recorded.
func (a *App) Run(ctx context.Context, params RunParams) (*RunOutcome, error) {
	if params.Mode == core.ModeTerminal {
		return nil, &core.ErrInvalidInput{Field: "mode", Message: "terminal mode is not supported in this build; use -m kernel"}
	}
	if params.Mode == "" {
		params.Mode = core.ModeKernel
	}
	if params.Code == "" {
		return nil, &core.ErrInvalidInput{Field: "code", Message: "nothing to execute"}
	}

	record, runtime, err := a.sessions.GetOrCreate(ctx, params.TargetSession, core.AssignParams{
		Variant:  params.Variant,
		ForceNew: params.ForceNew,
	})
	if err != nil {
		return nil, err
	}

	conn, err := a.attach(ctx, record, runtime)
	if err != nil {
		return a.transportOutcome(ctx, params, record, runtime, err)
	}

	result, err := conn.Execute(ctx, params.Code, core.ExecuteOptions{
		Timeout:  params.Timeout,
		OnStream: params.OnStream,
	})
	if err != nil {
		return a.transportOutcome(ctx, params, record, runtime, err)
	}

	cls := core.ClassifyResult(result)
	outcome := &RunOutcome{Result: result, Classification: cls, Session: record, Runtime: runtime}
	a.record(ctx, params, runtime, result, cls)
	return outcome, nil
}

// attach returns the pooled connection for the session, or builds,
// initializes, and pools a fresh one.
func (a *App) attach(ctx context.Context, record *core.SessionRecord, runtime *core.Runtime) (core.KernelConnection, error) {
	if conn, ok := a.pool.Get(record.ID); ok {
		return conn, nil
	}
	conn, err := a.runtimes.CreateKernelConnection(ctx, runtime)
	if err != nil {
		return nil, err
	}
	a.pool.Put(ctx, record.ID, conn)
	return conn, nil
}

// transportOutcome converts a transport failure into an execution
// outcome so the contract (history entry + structured output) holds
// even when the code never reached the kernel.
func (a *App) transportOutcome(ctx context.Context, params RunParams, record *core.SessionRecord, runtime *core.Runtime, cause error) (*RunOutcome, error) {
	cls := core.ClassifyTransport(cause)
	now := time.Now().UTC()
	result := &core.ExecutionResult{
		Status: core.StatusError,
		Error: &core.ExecError{
			Name:    string(cls.Category),
			Message: cause.Error(),
		},
		Timing: core.Timing{Started: now, Completed: now},
	}
	a.log.Warn("execution failed in transport", "session", record.ID, "error", cause)
	a.record(ctx, params, runtime, result, cls)
	return &RunOutcome{Result: result, Classification: cls, Session: record, Runtime: runtime}, nil
}

func (a *App) record(ctx context.Context, params RunParams, runtime *core.Runtime, result *core.ExecutionResult, cls core.Classification) {
	hr := core.HistoryRuntime{Label: runtime.Label, Accelerator: runtime.Accelerator}
	if err := a.history.Record(ctx, params.Code, params.Mode, hr, result, cls); err != nil {
		// History must never mask the execution result.
		a.log.Warn("failed to append history entry", "error", err)
	}
}

// Interrupt cancels the in-flight execution on the session's pooled
// connection.
func (a *App) Interrupt(ctx context.Context, sessionID string) error {
	conn, ok := a.pool.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s has no live connection", sessionID)
	}
	return conn.Interrupt(ctx)
}

// KeepAlive pokes the session's runtime so Colab does not evict it
// while a REPL sits idle.
func (a *App) KeepAlive(ctx context.Context, runtime *core.Runtime) error {
	return a.colab.KeepAlive(ctx, runtime.Endpoint)
}

// ---------------------------------------------------------------------------
// Status and sessions
// ---------------------------------------------------------------------------

// Status assembles the status command payload.
func (a *App) Status(ctx context.Context) (*output.StatusReport, error) {
	assignments, err := a.colab.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := a.sessions.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &output.StatusReport{
		Account:  a.auth.Account.Label,
		Tier:     string(a.pool.Tier()),
		Runtimes: make([]output.RuntimeStatus, 0, len(assignments)),
		Sessions: make([]output.SessionDisplay, 0, len(infos)),
	}
	for _, as := range assignments {
		report.Runtimes = append(report.Runtimes, output.RuntimeStatus{
			Endpoint:    as.Endpoint,
			Accelerator: as.Accelerator,
			Variant:     string(core.VariantForAccelerator(as.Accelerator)),
		})
	}
	for _, info := range infos {
		report.Sessions = append(report.Sessions, output.NewSessionDisplay(info))
	}
	return report, nil
}

// SessionList assembles the sessions-list payload.
func (a *App) SessionList(ctx context.Context) (*output.SessionList, error) {
	infos, err := a.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := a.sessions.Stats(ctx)
	if err != nil {
		return nil, err
	}

	list := &output.SessionList{
		Tier:      string(stats.Tier),
		Max:       stats.Max,
		Total:     stats.Total,
		Active:    stats.Active,
		Connected: stats.Connected,
		Stale:     stats.Stale,
		Sessions:  make([]output.SessionDisplay, 0, len(infos)),
	}
	for _, info := range infos {
		list.Sessions = append(list.Sessions, output.NewSessionDisplay(info))
	}
	return list, nil
}

// SwitchSession makes the identified session active.
func (a *App) SwitchSession(ctx context.Context, id string) (*core.SessionRecord, error) {
	return a.sessions.Switch(ctx, id)
}

// CloseSession deletes a session record and shuts down its connection.
func (a *App) CloseSession(ctx context.Context, id string) error {
	return a.sessions.Delete(ctx, id)
}

// CleanSessions removes records whose runtimes are gone.
func (a *App) CleanSessions(ctx context.Context) ([]string, error) {
	return a.sessions.CleanStale(ctx)
}

// ResolveSession resolves the target session (empty = active) and
// refreshes its runtime, without executing anything. Used by connect.
func (a *App) ResolveSession(ctx context.Context, targetID string, variant core.Variant, forceNew bool) (*core.SessionRecord, *core.Runtime, error) {
	return a.sessions.GetOrCreate(ctx, targetID, core.AssignParams{Variant: variant, ForceNew: forceNew})
}

// Connection returns an initialized pooled connection for the session.
func (a *App) Connection(ctx context.Context, record *core.SessionRecord, runtime *core.Runtime) (core.KernelConnection, error) {
	return a.attach(ctx, record, runtime)
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// History queries the execution history.
func (a *App) History(ctx context.Context, filter core.HistoryFilter) ([]core.HistoryEntry, error) {
	return a.history.Query(ctx, filter)
}

// HistoryStats aggregates the execution history.
func (a *App) HistoryStats(ctx context.Context) (*core.HistoryStats, error) {
	return a.history.Stats(ctx)
}

// ClearHistory truncates the execution history.
func (a *App) ClearHistory(ctx context.Context) error {
	return a.history.Clear(ctx)
}
