package v1

// Error kinds returned in the error field of failure responses
const (
	ErrValidation          = "validation_error"
	ErrNotFound            = "not_found"
	ErrMissingDependency   = "missing_dependency"
	ErrConflict            = "conflict"
	ErrSpawnFailed         = "spawn_failed"
	ErrTimeout             = "timeout"
	ErrCrashed             = "crashed"
	ErrGitFailure          = "git_failure"
	ErrStructuredMergeWarn = "structured_merge_warning"
	ErrInternal            = "internal_error"
)

// ErrorResponse is the uniform failure body for every endpoint
type ErrorResponse struct {
	Success   bool     `json:"success"` // always false
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	BlockedBy []string `json:"blocked_by,omitempty"`
}

// NewErrorResponse builds the standard failure body
func NewErrorResponse(kind, message string) ErrorResponse {
	return ErrorResponse{Success: false, Error: kind, Message: message}
}
