package gateway

import "fmt"

// CredentialError reports an unusable service account file. It is raised at
// startup so a misconfigured deployment fails fast instead of at first call.
type CredentialError struct {
	Path   string
	Reason string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error (%s): %s", e.Path, e.Reason)
}

// PermissionError is a 403 from the Gemini API, classified by the
// google.rpc.ErrorInfo reason attached to the response. Never retried.
type PermissionError struct {
	Reason  string
	Message string
}

func (e *PermissionError) Error() string {
	switch e.Reason {
	case "SERVICE_DISABLED":
		return fmt.Sprintf("generative language API is disabled for this project: %s", e.Message)
	case "ACCESS_TOKEN_SCOPE_INSUFFICIENT":
		return fmt.Sprintf("access token is missing the required scope: %s", e.Message)
	case "PERMISSION_DENIED":
		return fmt.Sprintf("service account lacks permission: %s", e.Message)
	default:
		return fmt.Sprintf("permission denied (%s): %s", e.Reason, e.Message)
	}
}

// RateLimitError is returned when consecutive 429 responses exceed the cap.
type RateLimitError struct {
	Consecutive int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d consecutive 429 responses", e.Consecutive)
}

// DeadlineError is returned when the caller's context expires. The retry loop
// never outlives the request that triggered it.
type DeadlineError struct {
	Cause error
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("deadline exceeded waiting for model: %v", e.Cause)
}

func (e *DeadlineError) Unwrap() error { return e.Cause }
