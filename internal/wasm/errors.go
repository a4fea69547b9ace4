package wasm

import "errors"

var (
	// Load errors
	ErrModuleNotFound = errors.New("engine module not found")
	ErrNoMemoryExport = errors.New("engine module does not export a linear memory")
	ErrMissingExport  = errors.New("engine module is missing a required export")

	// Request cycle errors
	ErrAllocationFailed       = errors.New("engine input allocation failed")
	ErrEngineInvocationFailed = errors.New("engine invocation failed")
	ErrEngineAborted          = errors.New("engine aborted")
	ErrResponseLength         = errors.New("engine returned an invalid response length")
	ErrResponseAddress        = errors.New("engine returned an invalid response address")
	ErrResponseDecode         = errors.New("engine response could not be decoded")
	ErrEngineReportedFailure  = errors.New("engine reported failure")

	// Lifecycle errors
	ErrEngineBusy   = errors.New("engine busy")
	ErrBridgeClosed = errors.New("engine bridge is closed")
)

// MissingExportError names the first export the module failed to provide.
type MissingExportError struct {
	Name string
}

func (e *MissingExportError) Error() string {
	return "engine module is missing export " + e.Name
}

func (e *MissingExportError) Is(target error) bool {
	return target == ErrMissingExport
}

// EngineFailureError carries the message the engine put in an unsuccessful response.
type EngineFailureError struct {
	Message string
}

func (e *EngineFailureError) Error() string {
	return e.Message
}

func (e *EngineFailureError) Is(target error) bool {
	return target == ErrEngineReportedFailure
}
