package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so wrapped or
// re-messaged errors still compare equal to their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Context resolution errors (-32010 to -32029) ----

var (
	ErrBattleNotFound     = &EngineError{Code: -32010, Message: "battle not found"}
	ErrBattleNotActive    = &EngineError{Code: -32011, Message: "battle is not active"}
	ErrEmptyIdentifier    = &EngineError{Code: -32012, Message: "battle identifier is empty"}
	ErrContextUnavailable = &EngineError{Code: -32013, Message: "battle context unavailable"}
)

// ---- Signal / session errors (-32040 to -32069) ----

var (
	ErrMissingBattleContext = &EngineError{Code: -32040, Message: "versus signal requires battle_id and battle_instance_id"}
	ErrInvalidSignal        = &EngineError{Code: -32041, Message: "invalid signal payload"}
	ErrInvalidTransition    = &EngineError{Code: -32042, Message: "invalid session transition"}
	ErrSessionComplete      = &EngineError{Code: -32043, Message: "session already complete"}
	ErrEmptyQueue           = &EngineError{Code: -32044, Message: "session queue is empty"}
	ErrNotEnoughCandidates  = &EngineError{Code: -32045, Message: "tournament needs at least two candidates"}
	ErrUnknownOption        = &EngineError{Code: -32046, Message: "option is not part of the current duel"}
	ErrStaleResult          = &EngineError{Code: -32047, Message: "result belongs to a discarded session"}
	ErrDuplicateEvent       = &EngineError{Code: -32048, Message: "duplicate client event id"}
	ErrVoteInFlight         = &EngineError{Code: -32049, Message: "vote is being recorded"}
)

// ---- Depth survey errors (-32070 to -32099) ----

var (
	ErrInsufficientQuestions = &EngineError{Code: -32070, Message: "survey needs at least 6 questions"}
	ErrSurveyFinished        = &EngineError{Code: -32071, Message: "survey already finished"}
	ErrSurveyBusy            = &EngineError{Code: -32072, Message: "survey is submitting"}
	ErrInvalidAnswer         = &EngineError{Code: -32073, Message: "answer does not fit question"}
	ErrBackNotAllowed        = &EngineError{Code: -32074, Message: "cannot go back from the first step"}
	ErrConfirmRequired       = &EngineError{Code: -32075, Message: "short text answers require confirmation"}
	ErrQuestionSetNotFound   = &EngineError{Code: -32076, Message: "question set not found"}
)

// ---- Guard / eligibility errors (-32100 to -32129) ----

var (
	ErrInviteRequired     = &EngineError{Code: -32100, Message: "invite required"}
	ErrProfileIncomplete  = &EngineError{Code: -32101, Message: "profile incomplete"}
	ErrProfileMissing     = &EngineError{Code: -32102, Message: "profile missing"}
	ErrSignalLimitReached = &EngineError{Code: -32103, Message: "daily signal limit reached"}
	ErrRateLimitExceeded  = &EngineError{Code: -32104, Message: "rate limit exceeded"}
	ErrCooldownActive     = &EngineError{Code: -32105, Message: "cooldown active"}
)

// ---- Store / config / transport errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrUnknownMethod   = &EngineError{Code: -32140, Message: "unknown rpc method"}
	ErrBadRequest      = &EngineError{Code: -32141, Message: "invalid request body"}
	ErrBackendTimeout  = &EngineError{Code: -32142, Message: "backend call timed out"}
)
