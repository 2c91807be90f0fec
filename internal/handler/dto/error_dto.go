package dto

// APIErrorResponse is the body of every error response. Details holds field
// errors for VALIDATION_ERROR and the window for RATE_LIMITED.
type APIErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
