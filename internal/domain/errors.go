package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSchema marks input missing a required field or referencing unknown data.
	ErrSchema = errors.New("schema error")

	// ErrUnknownChannel marks a scored channel with no catalog entry.
	ErrUnknownChannel = fmt.Errorf("%w: channel has no catalog entry", ErrSchema)

	// ErrDuplicateChannel marks a catalog with a repeated channel ID.
	ErrDuplicateChannel = fmt.Errorf("%w: duplicate channel id", ErrSchema)

	// ErrRange marks a probability outside [0,1] or a negative owed amount.
	ErrRange = errors.New("range error")

	// ErrNoEligibleChannel marks an account left with no usable channel.
	ErrNoEligibleChannel = errors.New("no eligible channel")
)

// Pipeline stage names used in AccountError.
const (
	StageValidate    = "validate"
	StageEligibility = "eligibility"
	StageExclusion   = "exclusion"
	StageCosts       = "costs"
	StageExpected    = "expected_value"
	StageSelect      = "select"
)

// AccountError is a failure isolated to one account.
type AccountError struct {
	AccountID string
	Stage     string
	Err       error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account %s: %s: %v", e.AccountID, e.Stage, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// Failure converts the error into its reported form.
func (e *AccountError) Failure() AccountFailure {
	return AccountFailure{
		AccountID: e.AccountID,
		Stage:     e.Stage,
		Reason:    e.Err.Error(),
	}
}
