package optimize

import "fmt"

// ValidationError reports a request that failed a structural or range check.
// The web boundary translates it to a 422 response.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// InfeasibleError reports that no visit order satisfies every pickup window
// within the solver's search budget.
type InfeasibleError struct {
	Stops int
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("no feasible route found for %d stops with the given "+
		"time windows and travel times; verify that all stops can be reached "+
		"within their pickup windows from the specified departure time", e.Stops)
}

// ProviderError wraps a failed call to the external distance matrix provider.
// The request path fails on it; the re-routing worker skips the cycle.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("distance matrix provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
