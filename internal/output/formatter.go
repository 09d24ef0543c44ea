package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lecoder/lecoder/internal/core"
)

// resultTiming is the timing block of the documented JSON schema.
type resultTiming struct {
	Started    string `json:"started,omitempty"`
	Completed  string `json:"completed,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// resultError is the error block: the kernel exception merged with its
// classification.
type resultError struct {
	Name        string   `json:"name,omitempty"`
	Message     string   `json:"message,omitempty"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
	Traceback   []string `json:"traceback,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// resultEnvelope is the documented execution-result JSON shape. Stdout
// is always present, even when empty; everything optional is omitted
// rather than emitted as null.
type resultEnvelope struct {
	Status         string             `json:"status"`
	ErrorCode      int                `json:"errorCode"`
	Stdout         string             `json:"stdout"`
	Stderr         string             `json:"stderr,omitempty"`
	DisplayData    []core.DisplayData `json:"display_data,omitempty"`
	Error          *resultError       `json:"error,omitempty"`
	ExecutionCount int                `json:"execution_count,omitempty"`
	Timing         resultTiming       `json:"timing"`
}

// Formatter renders to a single writer in either JSON or human mode.
type Formatter struct {
	w    io.Writer
	json bool
}

// New returns a Formatter. When jsonMode is set every render emits one
// JSON document.
func New(w io.Writer, jsonMode bool) *Formatter {
	return &Formatter{w: w, json: jsonMode}
}

// JSONMode reports whether the formatter emits JSON.
func (f *Formatter) JSONMode() bool { return f.json }

// Result renders one execution result with its classification.
func (f *Formatter) Result(result *core.ExecutionResult, cls core.Classification) error {
	if f.json {
		return f.emit(buildResultEnvelope(result, cls))
	}
	return f.humanResult(result, cls)
}

// buildResultEnvelope maps a result onto the documented schema,
// stripping ANSI escapes from every text field.
func buildResultEnvelope(result *core.ExecutionResult, cls core.Classification) *resultEnvelope {
	env := &resultEnvelope{
		Status:         string(result.Status),
		ErrorCode:      cls.Code,
		Stdout:         StripANSI(result.Stdout),
		Stderr:         StripANSI(result.Stderr),
		DisplayData:    result.DisplayData,
		ExecutionCount: result.ExecutionCount,
		Timing: resultTiming{
			Started:    isoTime(result.Timing.Started),
			Completed:  isoTime(result.Timing.Completed),
			DurationMS: result.Timing.DurationMS,
		},
	}
	if result.Status != core.StatusOK {
		env.Error = &resultError{
			Category:    string(cls.Category),
			Description: cls.Description,
			Suggestion:  cls.Suggestion,
		}
		if result.Error != nil {
			env.Error.Name = result.Error.Name
			env.Error.Message = StripANSI(result.Error.Message)
			env.Error.Traceback = stripAll(result.Error.Traceback)
		}
	}
	return env
}

func isoTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (f *Formatter) humanResult(result *core.ExecutionResult, cls core.Classification) error {
	if out := StripANSI(result.Stdout); out != "" {
		fmt.Fprint(f.w, out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Fprintln(f.w)
		}
	}
	if errOut := StripANSI(result.Stderr); errOut != "" {
		fmt.Fprint(f.w, errOut)
		if !strings.HasSuffix(errOut, "\n") {
			fmt.Fprintln(f.w)
		}
	}
	for _, d := range result.DisplayData {
		if text, ok := d.Data["text/plain"].(string); ok {
			fmt.Fprintln(f.w, text)
		} else {
			for mime := range d.Data {
				fmt.Fprintf(f.w, "[%s output]\n", mime)
			}
		}
	}

	switch result.Status {
	case core.StatusError:
		if result.Error != nil {
			fmt.Fprintf(f.w, "error [%d %s]: %s: %s\n", cls.Code, cls.Category, result.Error.Name, StripANSI(result.Error.Message))
			for _, line := range result.Error.Traceback {
				fmt.Fprintln(f.w, "  "+StripANSI(line))
			}
		} else {
			fmt.Fprintf(f.w, "error [%d %s]: %s\n", cls.Code, cls.Category, cls.Description)
		}
		if cls.Suggestion != "" {
			fmt.Fprintf(f.w, "suggestion: %s\n", cls.Suggestion)
		}
	case core.StatusAbort:
		fmt.Fprintf(f.w, "aborted [%d %s]: %s\n", cls.Code, cls.Category, cls.Description)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// StatusReport is the `status` command payload.
type StatusReport struct {
	Account  string           `json:"account"`
	Tier     string           `json:"tier"`
	Runtimes []RuntimeStatus  `json:"runtimes"`
	Sessions []SessionDisplay `json:"sessions"`
}

// RuntimeStatus is one live assignment in the status report.
type RuntimeStatus struct {
	Endpoint    string `json:"endpoint"`
	Accelerator string `json:"accelerator"`
	Variant     string `json:"variant"`
}

// SessionDisplay is one session record enriched for display.
type SessionDisplay struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Variant     string    `json:"variant"`
	Endpoint    string    `json:"endpoint"`
	Accelerator string    `json:"accelerator"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
	Active      bool      `json:"active"`
	Connected   bool      `json:"connected"`
	Stale       bool      `json:"stale"`
}

// NewSessionDisplay adapts a core.SessionInfo for output.
func NewSessionDisplay(info core.SessionInfo) SessionDisplay {
	return SessionDisplay{
		ID:          info.ID,
		Label:       info.Label,
		Variant:     string(info.Variant),
		Endpoint:    info.Runtime.Endpoint,
		Accelerator: info.Runtime.Accelerator,
		CreatedAt:   info.CreatedAt,
		LastUsedAt:  info.LastUsedAt,
		Active:      info.IsActive,
		Connected:   info.Connected,
		Stale:       info.Stale,
	}
}

// Status renders the status report.
func (f *Formatter) Status(report *StatusReport) error {
	if f.json {
		return f.emit(report)
	}

	fmt.Fprintf(f.w, "account: %s (%s tier)\n", report.Account, report.Tier)
	if len(report.Runtimes) == 0 {
		fmt.Fprintln(f.w, "runtimes: none assigned")
	} else {
		fmt.Fprintln(f.w, "runtimes:")
		for _, r := range report.Runtimes {
			fmt.Fprintf(f.w, "  %s  %s (%s)\n", shortEndpoint(r.Endpoint), r.Accelerator, r.Variant)
		}
	}
	f.sessionTable(report.Sessions)
	return nil
}

// SessionList is the `sessions list` payload.
type SessionList struct {
	Tier      string           `json:"tier"`
	Max       int              `json:"max"`
	Total     int              `json:"total"`
	Active    int              `json:"active"`
	Connected int              `json:"connected"`
	Stale     int              `json:"stale"`
	Sessions  []SessionDisplay `json:"sessions"`
}

// Sessions renders the session listing.
func (f *Formatter) Sessions(list *SessionList) error {
	if f.json {
		return f.emit(list)
	}
	fmt.Fprintf(f.w, "%d/%d sessions (%s tier), %d connected, %d stale\n",
		list.Total, list.Max, list.Tier, list.Connected, list.Stale)
	f.sessionTable(list.Sessions)
	return nil
}

func (f *Formatter) sessionTable(sessions []SessionDisplay) {
	if len(sessions) == 0 {
		fmt.Fprintln(f.w, "sessions: none")
		return
	}
	fmt.Fprintln(f.w, "sessions:")
	for _, s := range sessions {
		marker := " "
		if s.Active {
			marker = "*"
		}
		state := "idle"
		switch {
		case s.Stale:
			state = "stale"
		case s.Connected:
			state = "connected"
		}
		fmt.Fprintf(f.w, "%s %s  %-10s %-9s last used %s\n",
			marker, ShortID(s.ID), s.Label, state, s.LastUsedAt.Local().Format("2006-01-02 15:04"))
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// History renders queried history entries, newest first.
func (f *Formatter) History(entries []core.HistoryEntry) error {
	if f.json {
		if entries == nil {
			entries = []core.HistoryEntry{}
		}
		return f.emit(map[string]any{"entries": entries, "count": len(entries)})
	}

	if len(entries) == 0 {
		fmt.Fprintln(f.w, "no history entries")
		return nil
	}
	for _, e := range entries {
		status := string(e.Status)
		if e.ErrorCode != 0 {
			status = fmt.Sprintf("%s [%d %s]", e.Status, e.ErrorCode, e.Category)
		}
		fmt.Fprintf(f.w, "%s  %-7s %-8s %s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Mode, e.Runtime.Label, status, firstLine(e.Command))
	}
	return nil
}

// HistoryStats renders the aggregate view.
func (f *Formatter) HistoryStats(stats *core.HistoryStats) error {
	if f.json {
		return f.emit(stats)
	}

	fmt.Fprintf(f.w, "total executions: %d\n", stats.Total)
	if stats.Total == 0 {
		return nil
	}
	fmt.Fprintf(f.w, "success rate: %.1f%%\n", stats.SuccessRate*100)
	for mode, n := range stats.ByMode {
		fmt.Fprintf(f.w, "  %s: %d\n", mode, n)
	}
	if len(stats.ByCategory) > 0 {
		fmt.Fprintln(f.w, "failures by category:")
		for cat, n := range stats.ByCategory {
			fmt.Fprintf(f.w, "  %s: %d\n", cat, n)
		}
	}
	fmt.Fprintf(f.w, "range: %s to %s\n",
		stats.First.Local().Format("2006-01-02 15:04"),
		stats.Last.Local().Format("2006-01-02 15:04"))
	return nil
}

// Message renders a one-off informational line, as JSON when in JSON
// mode.
func (f *Formatter) Message(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if f.json {
		return f.emit(map[string]string{"message": msg})
	}
	fmt.Fprintln(f.w, msg)
	return nil
}

func (f *Formatter) emit(v any) error {
	enc := json.NewEncoder(f.w)
	return enc.Encode(v)
}

// ShortID abbreviates a session id for display. Hand-edited records
// may carry ids shorter than the usual UUID.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortEndpoint(endpoint string) string {
	if len(endpoint) > 20 {
		return endpoint[:20]
	}
	return endpoint
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
