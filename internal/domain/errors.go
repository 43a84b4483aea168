package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// Is lets errors.Is match sentinels by code, so wrapped variants created
// with WithDetail compare equal to their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy of the sentinel with extra context appended.
func (e *EngineError) WithDetail(format string, args ...interface{}) *EngineError {
	return &EngineError{Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...)}
}

// ---- Validation errors (-32210 to -32239) ----

var (
	ErrInvalidRequest    = &EngineError{Code: -32210, Message: "request validation failed"}
	ErrInvalidTarget     = &EngineError{Code: -32211, Message: "target depth must be positive"}
	ErrInvalidWindow     = &EngineError{Code: -32212, Message: "time window must be positive"}
	ErrFieldExists       = &EngineError{Code: -32213, Message: "field is already scheduled in the plan"}
	ErrInvalidModKind    = &EngineError{Code: -32214, Message: "unknown modification kind"}
	ErrInvalidShift      = &EngineError{Code: -32215, Message: "time shift would reorder batches"}
	ErrEmptyRoster       = &EngineError{Code: -32216, Message: "pump roster is empty"}
)

// ---- Not-found errors (-32240 to -32269) ----

var (
	ErrPlanNotFound      = &EngineError{Code: -32240, Message: "plan not found"}
	ErrFieldNotFound     = &EngineError{Code: -32241, Message: "field not found"}
	ErrBatchNotFound     = &EngineError{Code: -32242, Message: "batch index not found in plan"}
	ErrPumpNotFound      = &EngineError{Code: -32243, Message: "pump not found"}
	ErrSegmentNotFound   = &EngineError{Code: -32244, Message: "segment not found"}
	ErrExecutionNotFound = &EngineError{Code: -32245, Message: "execution not found"}
)

// ---- Capacity errors (-32270 to -32299) ----

var (
	ErrNoCapacity       = &EngineError{Code: -32270, Message: "no active pumping capacity"}
	ErrInsufficientFlow = &EngineError{Code: -32271, Message: "pump assignment cannot cover the remaining deficit"}
	ErrNoReachableField = &EngineError{Code: -32272, Message: "no demand field is reachable by the active pumps"}
)

// ---- State errors (-32300 to -32329) ----

var (
	ErrInvalidExecState   = &EngineError{Code: -32300, Message: "invalid execution state transition"}
	ErrExecutionDone      = &EngineError{Code: -32301, Message: "execution is already in a terminal state"}
	ErrDuplicateExecution = &EngineError{Code: -32302, Message: "an execution for this plan is already running"}
)

// ---- Unknown-data errors (-32330 to -32359) ----

var (
	ErrUnknownWaterLevel = &EngineError{Code: -32330, Message: "field has no usable water level reading"}
	ErrNoReadings        = &EngineError{Code: -32331, Message: "water level source returned no readings"}
)

// ---- Store / Config errors (-32360 to -32389) ----

var (
	ErrStoreInit     = &EngineError{Code: -32360, Message: "failed to initialize store"}
	ErrConfigInvalid = &EngineError{Code: -32363, Message: "invalid configuration"}
)
