package cli

import (
	"errors"

	"github.com/crewlyhq/crewly/internal/core/errs"
)

// CLI exit codes (§6): a generic failure is 1; these three get their own
// code so a script driving crewlyd (CI, a pre-commit hook) can branch on
// why it failed without scraping stderr.
const (
	ExitOK               = 0
	ExitGenericFailure   = 1
	ExitValidationFailed = 2
	ExitBudgetExceeded   = 3
	ExitGateFailed       = 4
)

// ExitCodeFor maps an error returned from the root command's Execute to
// the exit-code taxonomy, via errors.Is against the sentinel it wraps.
// Anything unrecognized (including a bare RunE error with no wrapped
// sentinel) falls back to ExitGenericFailure.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errs.ErrValidationFailed):
		return ExitValidationFailed
	case errors.Is(err, errs.ErrBudgetExceeded):
		return ExitBudgetExceeded
	case errors.Is(err, errs.ErrGateFailed), errors.Is(err, errs.ErrGateTimeout):
		return ExitGateFailed
	default:
		return ExitGenericFailure
	}
}
