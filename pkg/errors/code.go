package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors (auth in 10400-10499)
// 13000-13099: Ingress & routing errors
// 13100-13199: Fan-out & queue errors
// 13200-13299: Worker & job launch errors
// 13300-13399: Completion errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Auth errors (10400-10499)
	TokenInvalid ErrorCode = 10400
	TokenExpired ErrorCode = 10401

	// ========== Ingress & Routing (13000-13099) ==========

	InvalidSubmission     ErrorCode = 13000
	RoutingRecordNotFound ErrorCode = 13001
	RoutingRecordInactive ErrorCode = 13002
	RoutingLookupFailed   ErrorCode = 13003

	// ========== Fan-out & Queue (13100-13199) ==========

	FanoutPublishFailed  ErrorCode = 13100
	QueuePublishFailed   ErrorCode = 13101
	QueueReceiveFailed   ErrorCode = 13102
	QueueAckFailed       ErrorCode = 13103
	EnvelopeDecodeFailed ErrorCode = 13104

	// ========== Worker & Job Launch (13200-13299) ==========

	ConfigLoadFailed      ErrorCode = 13200
	CredentialFetchFailed ErrorCode = 13201
	JobLaunchFailed       ErrorCode = 13202
	NoSubTaskConfigured   ErrorCode = 13203

	// ========== Completion (13300-13399) ==========

	NotificationInvalid ErrorCode = 13300
	StatusReportFailed  ErrorCode = 13301
)

var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	TokenInvalid: "Invalid token",
	TokenExpired: "Token expired",

	InvalidSubmission:     "Invalid submission message",
	RoutingRecordNotFound: "Routing record not found",
	RoutingRecordInactive: "Routing record is inactive",
	RoutingLookupFailed:   "Routing lookup failed",

	FanoutPublishFailed:  "Fan-out publish failed",
	QueuePublishFailed:   "Queue publish failed",
	QueueReceiveFailed:   "Queue receive failed",
	QueueAckFailed:       "Queue acknowledge failed",
	EnvelopeDecodeFailed: "Dispatch envelope decode failed",

	ConfigLoadFailed:      "Challenge config load failed",
	CredentialFetchFailed: "Credential fetch failed",
	JobLaunchFailed:       "Job launch failed",
	NoSubTaskConfigured:   "No scorer configured for challenge",

	NotificationInvalid: "Completion notification is invalid",
	StatusReportFailed:  "Submission status report failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Terminal reports whether an error with this code must not be redelivered.
// Malformed input and routing misses are acknowledged and dropped; everything
// else is treated as a transient infrastructure failure.
func (c ErrorCode) Terminal() bool {
	switch c {
	case InvalidParams, ValidationFailed, InvalidFormat, InvalidValue, RequiredFieldEmpty,
		InvalidSubmission, RoutingRecordNotFound, RoutingRecordInactive,
		EnvelopeDecodeFailed, NotificationInvalid:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c >= 10400 && c < 10500:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == RoutingRecordNotFound:
		return 404
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400, c == InvalidParams:
		return 400
	default:
		return 500
	}
}
