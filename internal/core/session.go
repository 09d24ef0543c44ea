package core

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Session records
// ---------------------------------------------------------------------------

// RuntimeRef pins a session record to a specific runtime. The endpoint
// is immutable for the life of the record: a new runtime is a new
// record.
type RuntimeRef struct {
	Endpoint    string `json:"endpoint"`
	Accelerator string `json:"accelerator"`
}

// SessionRecord is the durable CLI-level session pinned to a runtime.
type SessionRecord struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Variant    Variant    `json:"variant"`
	Runtime    RuntimeRef `json:"runtime"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt time.Time  `json:"lastUsedAt"`
	IsActive   bool       `json:"isActive"`
}

// SessionRepo abstracts the durable session store. Update runs the
// mutation under the store's exclusive lock so read-modify-write
// cycles are atomic across processes.
type SessionRepo interface {
	Load(ctx context.Context, account string) ([]SessionRecord, error)
	Update(ctx context.Context, account string, mutate func(records []SessionRecord) ([]SessionRecord, error)) error
}

// SessionInfo is a session record enriched with live state.
type SessionInfo struct {
	SessionRecord
	Connected bool `json:"connected"`
	Stale     bool `json:"stale"`
}

// SessionStats summarizes the account's sessions.
type SessionStats struct {
	Tier      Tier `json:"tier"`
	Max       int  `json:"max"`
	Total     int  `json:"total"`
	Active    int  `json:"active"`
	Connected int  `json:"connected"`
	Stale     int  `json:"stale"`
}

// minPrefixLen is the shortest session id prefix accepted for lookup.
const minPrefixLen = 4

// ---------------------------------------------------------------------------
// Use case
// ---------------------------------------------------------------------------

// SessionUseCase maintains durable session records, cross-references
// them with live assignments, and resolves the target session for
// every CLI invocation.
type SessionUseCase struct {
	sessions SessionRepo
	runtimes *RuntimeUseCase
	colab    ColabRepo
	pool     *Pool
	account  string
	log      *slog.Logger
}

// NewSessionUseCase returns a SessionUseCase for the authenticated
// account.
func NewSessionUseCase(sessions SessionRepo, runtimes *RuntimeUseCase, colab ColabRepo, pool *Pool, account string) *SessionUseCase {
	return &SessionUseCase{
		sessions: sessions,
		runtimes: runtimes,
		colab:    colab,
		pool:     pool,
		account:  account,
		log:      slog.Default().With("component", "sessions"),
	}
}

// GetOrCreate resolves the target session for an invocation. With a
// targetID it resolves by exact id, then by unique prefix of at least
// four characters. Without one it picks the active record. When no
// suitable record exists (or ForceNew is set) it assigns a runtime,
// creates a fresh record under the tier cap, and marks it active.
// The returned Runtime always carries fresh proxy credentials.
func (uc *SessionUseCase) GetOrCreate(ctx context.Context, targetID string, params AssignParams) (*SessionRecord, *Runtime, error) {
	records, err := uc.sessions.Load(ctx, uc.account)
	if err != nil {
		return nil, nil, err
	}

	var record *SessionRecord
	if targetID != "" {
		record, err = resolveRecord(records, targetID)
		if err != nil {
			return nil, nil, err
		}
	} else if !params.ForceNew {
		record = activeRecord(records)
		// An active record of the wrong variant is not a match for an
		// explicit variant request. An empty requested variant means
		// "whatever the active session runs on".
		if record != nil && params.Variant != "" && record.Variant != params.Variant {
			record = nil
		}
	}

	if record != nil {
		runtime, err := uc.runtimes.RefreshRuntime(ctx, record.Runtime.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		if err := uc.touch(ctx, record.ID); err != nil {
			return nil, nil, err
		}
		return record, runtime, nil
	}

	return uc.create(ctx, params, len(records))
}

// create assigns a runtime and persists a fresh active record,
// enforcing the tier cap. It never evicts existing sessions.
func (uc *SessionUseCase) create(ctx context.Context, params AssignParams, existing int) (*SessionRecord, *Runtime, error) {
	tier := uc.pool.Tier()
	if existing >= tier.MaxSessions() {
		return nil, nil, &ErrSessionLimit{Tier: tier, Max: tier.MaxSessions()}
	}
	if params.Variant == "" {
		// GPU runtimes are the tool's reason to exist; they are the
		// default when nothing else was requested.
		params.Variant = VariantGPU
	}

	runtime, err := uc.runtimes.AssignRuntime(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	record := &SessionRecord{
		ID:      uuid.New().String(),
		Label:   runtime.Label,
		Variant: runtime.Variant,
		Runtime: RuntimeRef{
			Endpoint:    runtime.Endpoint,
			Accelerator: runtime.Accelerator,
		},
		CreatedAt:  now,
		LastUsedAt: now,
		IsActive:   true,
	}

	err = uc.sessions.Update(ctx, uc.account, func(records []SessionRecord) ([]SessionRecord, error) {
		if len(records) >= tier.MaxSessions() {
			return nil, &ErrSessionLimit{Tier: tier, Max: tier.MaxSessions()}
		}
		for i := range records {
			records[i].IsActive = false
		}
		return append(records, *record), nil
	})
	if err != nil {
		return nil, nil, err
	}

	uc.log.Info("session created", "id", record.ID, "label", record.Label, "endpoint", record.Runtime.Endpoint)
	return record, runtime, nil
}

// List enriches durable records with live state. A record is stale
// when its endpoint no longer appears in the account's assignments.
func (uc *SessionUseCase) List(ctx context.Context) ([]SessionInfo, error) {
	records, err := uc.sessions.Load(ctx, uc.account)
	if err != nil {
		return nil, err
	}

	live, err := uc.liveEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(records))
	for _, r := range records {
		_, connected := uc.pool.Get(r.ID)
		infos = append(infos, SessionInfo{
			SessionRecord: r,
			Connected:     connected,
			Stale:         !live[r.Runtime.Endpoint],
		})
	}
	return infos, nil
}

// Switch atomically makes the identified session the single active
// one. Prefix resolution applies.
func (uc *SessionUseCase) Switch(ctx context.Context, id string) (*SessionRecord, error) {
	var switched SessionRecord
	err := uc.sessions.Update(ctx, uc.account, func(records []SessionRecord) ([]SessionRecord, error) {
		target, err := resolveRecord(records, id)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].IsActive = records[i].ID == target.ID
			if records[i].IsActive {
				records[i].LastUsedAt = time.Now().UTC()
				switched = records[i]
			}
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return &switched, nil
}

// Delete removes a session record, shutting down its live connection
// first. If the deleted record was active, the most recently used
// survivor becomes active.
func (uc *SessionUseCase) Delete(ctx context.Context, id string) error {
	var deletedID string
	err := uc.sessions.Update(ctx, uc.account, func(records []SessionRecord) ([]SessionRecord, error) {
		target, err := resolveRecord(records, id)
		if err != nil {
			return nil, err
		}
		deletedID = target.ID
		wasActive := target.IsActive

		kept := records[:0]
		for _, r := range records {
			if r.ID != target.ID {
				kept = append(kept, r)
			}
		}
		if wasActive {
			promoteMostRecent(kept)
		}
		return kept, nil
	})
	if err != nil {
		return err
	}

	uc.pool.Remove(ctx, deletedID)
	uc.log.Info("session deleted", "id", deletedID)
	return nil
}

// CleanStale removes every record whose runtime no longer appears in
// the account's assignments and returns the deleted ids.
func (uc *SessionUseCase) CleanStale(ctx context.Context) ([]string, error) {
	live, err := uc.liveEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	err = uc.sessions.Update(ctx, uc.account, func(records []SessionRecord) ([]SessionRecord, error) {
		kept := records[:0]
		activeRemoved := false
		for _, r := range records {
			if live[r.Runtime.Endpoint] {
				kept = append(kept, r)
				continue
			}
			deleted = append(deleted, r.ID)
			activeRemoved = activeRemoved || r.IsActive
		}
		if activeRemoved {
			promoteMostRecent(kept)
		}
		return kept, nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range deleted {
		uc.pool.Remove(ctx, id)
	}
	if len(deleted) > 0 {
		uc.log.Info("stale sessions cleaned", "count", len(deleted))
	}
	return deleted, nil
}

// Stats summarizes the account's sessions.
func (uc *SessionUseCase) Stats(ctx context.Context) (*SessionStats, error) {
	infos, err := uc.List(ctx)
	if err != nil {
		return nil, err
	}

	tier := uc.pool.Tier()
	stats := &SessionStats{
		Tier:  tier,
		Max:   tier.MaxSessions(),
		Total: len(infos),
	}
	for _, info := range infos {
		if info.IsActive {
			stats.Active++
		}
		if info.Connected {
			stats.Connected++
		}
		if info.Stale {
			stats.Stale++
		}
	}
	return stats, nil
}

// touch updates LastUsedAt on the record and makes it the active one.
func (uc *SessionUseCase) touch(ctx context.Context, id string) error {
	return uc.sessions.Update(ctx, uc.account, func(records []SessionRecord) ([]SessionRecord, error) {
		for i := range records {
			records[i].IsActive = records[i].ID == id
			if records[i].IsActive {
				records[i].LastUsedAt = time.Now().UTC()
			}
		}
		return records, nil
	})
}

func (uc *SessionUseCase) liveEndpoints(ctx context.Context) (map[string]bool, error) {
	assignments, err := uc.colab.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		live[a.Endpoint] = true
	}
	return live, nil
}

// resolveRecord finds a record by exact id first, then by unique
// prefix. Prefixes shorter than four characters are rejected as
// ambiguous regardless of how many records they match.
func resolveRecord(records []SessionRecord, target string) (*SessionRecord, error) {
	for i := range records {
		if records[i].ID == target {
			return &records[i], nil
		}
	}

	if len(target) < minPrefixLen {
		return nil, &ErrAmbiguousSession{Target: target}
	}

	var matches []*SessionRecord
	for i := range records {
		if strings.HasPrefix(records[i].ID, target) {
			matches = append(matches, &records[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, &ErrSessionNotFound{ID: target}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, &ErrAmbiguousSession{Target: target, Matches: ids}
	}
}

func activeRecord(records []SessionRecord) *SessionRecord {
	for i := range records {
		if records[i].IsActive {
			return &records[i]
		}
	}
	return nil
}

// promoteMostRecent flips IsActive on the most recently used record,
// preserving the at-most-one-active invariant after a removal.
func promoteMostRecent(records []SessionRecord) {
	best := -1
	for i := range records {
		records[i].IsActive = false
		if best == -1 || records[i].LastUsedAt.After(records[best].LastUsedAt) {
			best = i
		}
	}
	if best >= 0 {
		records[best].IsActive = true
	}
}
