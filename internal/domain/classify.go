package domain

import (
	"errors"
	"strings"
)

// ErrorKind is the user-facing category of a submission failure.
type ErrorKind string

const (
	KindInviteRequired     ErrorKind = "INVITE_REQUIRED"
	KindProfileIncomplete  ErrorKind = "PROFILE_INCOMPLETE"
	KindSignalLimitReached ErrorKind = "SIGNAL_LIMIT_REACHED"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// NextAction tells the presentation layer where to send the user.
type NextAction struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// SubmitError is a classified submission failure. It unwraps to the cause so
// errors.Is keeps working against the original sentinel.
type SubmitError struct {
	Kind   ErrorKind
	Action NextAction
	Cause  error
}

func (e *SubmitError) Error() string {
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *SubmitError) Unwrap() error { return e.Cause }

var nextActions = map[ErrorKind]NextAction{
	KindInviteRequired:     {Path: "/profile", Label: "Ir a Perfil"},
	KindProfileIncomplete:  {Path: "/profile", Label: "Completar perfil"},
	KindSignalLimitReached: {Path: "/experience", Label: "Volver a Participa"},
	KindUnknown:            {Path: "/experience", Label: "Volver a Participa"},
}

// Classify maps an error to a SubmitError using its EngineError code.
// Returns nil for a nil error.
func Classify(err error) *SubmitError {
	if err == nil {
		return nil
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}

	kind := KindUnknown
	switch {
	case errors.Is(err, ErrInviteRequired):
		kind = KindInviteRequired
	case errors.Is(err, ErrProfileIncomplete), errors.Is(err, ErrProfileMissing):
		kind = KindProfileIncomplete
	case errors.Is(err, ErrSignalLimitReached):
		kind = KindSignalLimitReached
	}
	return &SubmitError{Kind: kind, Action: nextActions[kind], Cause: err}
}

// FromMessage recovers a structured error from a foreign backend that only
// returns text. It is applied once at the transport edge.
func FromMessage(msg string) *EngineError {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "INVITE"):
		return NewEngineError(ErrInviteRequired.Code, msg)
	case strings.Contains(upper, "PROFILE"):
		return NewEngineError(ErrProfileIncomplete.Code, msg)
	case strings.Contains(upper, "SIGNAL_LIMIT"), strings.Contains(upper, "SIGNAL LIMIT"):
		return NewEngineError(ErrSignalLimitReached.Code, msg)
	case strings.Contains(upper, "COOLDOWN"):
		return NewEngineError(ErrCooldownActive.Code, msg)
	case strings.Contains(upper, "BATTLE_NOT_ACTIVE"):
		return NewEngineError(ErrBattleNotActive.Code, msg)
	}
	return NewEngineError(ErrStoreWrite.Code, msg)
}
