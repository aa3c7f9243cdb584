package protocol

import "fmt"

// ErrorCode identifies a protocol-visible error. The set is closed.
type ErrorCode string

// Error codes, grouped by band
const (
	// Admission
	ErrCodeConnectionLimitReached ErrorCode = "CONNECTION_LIMIT_REACHED"
	ErrCodeMessageTooLarge        ErrorCode = "MESSAGE_TOO_LARGE"
	ErrCodeRateLimitExceeded      ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeQueueFull              ErrorCode = "QUEUE_FULL"

	// Protocol
	ErrCodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidMessageType ErrorCode = "INVALID_MESSAGE_TYPE"
	ErrCodeInvalidParams      ErrorCode = "INVALID_PARAMS"

	// Auth
	ErrCodeInvalidAPIKey    ErrorCode = "INVALID_API_KEY"
	ErrCodeSessionExpired   ErrorCode = "SESSION_EXPIRED"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeAuthError        ErrorCode = "AUTH_ERROR"

	// Operational
	ErrCodeProcessingError  ErrorCode = "PROCESSING_ERROR"
	ErrCodeOperationFailed  ErrorCode = "OPERATION_FAILED"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodeConnectionError  ErrorCode = "CONNECTION_ERROR"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"

	// Device band, produced by the BLE handlers
	ErrCodeScanAlreadyActive ErrorCode = "SCAN_ALREADY_ACTIVE"
	ErrCodeScanNotActive     ErrorCode = "SCAN_NOT_ACTIVE"
	ErrCodeDeviceNotFound    ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodeAlreadyConnected  ErrorCode = "ALREADY_CONNECTED"
	ErrCodeNotConnected      ErrorCode = "NOT_CONNECTED"
	ErrCodeBLENotAvailable   ErrorCode = "BLE_NOT_AVAILABLE"
)

// ErrorBand classifies error codes for propagation and metrics
type ErrorBand string

// Error bands
const (
	BandAdmission   ErrorBand = "admission"
	BandProtocol    ErrorBand = "protocol"
	BandAuth        ErrorBand = "auth"
	BandOperational ErrorBand = "operational"
)

var codeBands = map[ErrorCode]ErrorBand{
	ErrCodeConnectionLimitReached: BandAdmission,
	ErrCodeMessageTooLarge:        BandAdmission,
	ErrCodeRateLimitExceeded:      BandAdmission,
	ErrCodeQueueFull:              BandAdmission,
	ErrCodeInvalidMessage:         BandProtocol,
	ErrCodeInvalidMessageType:     BandProtocol,
	ErrCodeInvalidParams:          BandProtocol,
	ErrCodeInvalidAPIKey:          BandAuth,
	ErrCodeSessionExpired:         BandAuth,
	ErrCodeInvalidToken:           BandAuth,
	ErrCodeNotAuthenticated:       BandAuth,
	ErrCodeAuthError:              BandAuth,
}

// Band returns the classification band for the code. Codes not listed are
// operational, which includes the whole device band.
func (c ErrorCode) Band() ErrorBand {
	if band, ok := codeBands[c]; ok {
		return band
	}
	return BandOperational
}

// GatewayError is a typed error carrying a protocol error code. Subsystems
// return these across the session boundary instead of raw errors so the
// ingress pipeline can emit exactly one classified ERROR frame.
type GatewayError struct {
	Code ErrorCode
	Text string
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Text == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

// NewGatewayError creates a typed error for the given code
func NewGatewayError(code ErrorCode, text string) *GatewayError {
	return &GatewayError{Code: code, Text: text}
}

// CodeOf extracts the protocol code from err, or fallback when err carries none
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	if err == nil {
		return fallback
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge.Code
	}
	return fallback
}
