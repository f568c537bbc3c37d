package types

// API error codes
const (
	CodeInvalidRequest = "DEVICE_400"
	CodeUnauthorized   = "DEVICE_401"
	CodeNotFound       = "DEVICE_404"
	CodeConflict       = "DEVICE_409"
	CodeInternal       = "DEVICE_500"
	CodeDeviceFault    = "DEVICE_502"
	CodeUnavailable    = "DEVICE_503"
	CodeTimeout        = "DEVICE_504"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
