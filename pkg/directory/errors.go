package directory

import "github.com/pkg/errors"

// knownErrors maps the error kinds in §7 back to their sentinel values after
// an Apply result round-trips through JSON across the raft FSM boundary, so
// callers can still compare with errors.Cause/== against the package
// sentinels.
var knownErrors = map[string]error{
	ErrAlreadyOnlineElsewhere.Error(): ErrAlreadyOnlineElsewhere,
	ErrNotFound.Error():               ErrNotFound,
	ErrNotRegistered.Error():          ErrNotRegistered,
	ErrTargetUnknown.Error():          ErrTargetUnknown,
	ErrRequestNotFound.Error():        ErrRequestNotFound,
}

func errorFromString(msg string) error {
	if err, ok := knownErrors[msg]; ok {
		return err
	}
	return errors.New(msg)
}
