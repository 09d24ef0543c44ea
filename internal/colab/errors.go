package colab

import "fmt"

// APIError is the structured transport error for both Colab hosts. It
// carries the originating request, the HTTP status, and the response
// body when it was readable.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
}

// HTTPStatus implements core.HTTPStatusError so the error classifier
// can recognize transient proxy statuses.
func (e *APIError) HTTPStatus() int { return e.Status }

// TooManyAssignmentsError corresponds to HTTP 412 from the assign
// endpoint: the account already holds its maximum number of
// concurrent assignments.
type TooManyAssignmentsError struct {
	APIError
}

func (e *TooManyAssignmentsError) Error() string {
	return "too many concurrent runtime assignments: release one with 'lecoder sessions close' or wait for Colab to reclaim an idle runtime"
}

// InsufficientQuotaError corresponds to the QUOTA_DENIED_REQUESTED_VARIANTS
// and QUOTA_EXCEEDED_USAGE_TIME assignment outcomes.
type InsufficientQuotaError struct {
	Reason string
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient Colab quota (%s): try a smaller accelerator, the CPU variant, or wait for quota to replenish", e.Reason)
}

// DenylistedError corresponds to the DENYLISTED assignment outcome.
// It is a fatal policy error and never retryable.
type DenylistedError struct{}

func (e *DenylistedError) Error() string {
	return "this account has been denylisted by Colab; see https://research.google.com/colaboratory/faq.html"
}
