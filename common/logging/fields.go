package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldErrorKind  = "error_kind"
	FieldBatchID    = "batch_id"
	FieldSessionID  = "producer_session_id"
	FieldLogicalID  = "logical_id"
	FieldMessageID  = "message_id"
	FieldMsgStatus  = "message_status"
	FieldQueueDepth = "queue_depth"
	FieldRetry      = "retry"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error yields an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func ErrorKind(kind string) slog.Attr {
	return slog.String(FieldErrorKind, kind)
}

func BatchID(id string) slog.Attr {
	return slog.String(FieldBatchID, id)
}

func SessionID(id string) slog.Attr {
	return slog.String(FieldSessionID, id)
}

func LogicalID(id string) slog.Attr {
	return slog.String(FieldLogicalID, id)
}

func MessageID(id int64) slog.Attr {
	return slog.Int64(FieldMessageID, id)
}

// MessageStatus is the lifecycle status of a stored message, kept apart
// from FieldStatus which carries HTTP codes.
func MessageStatus(status string) slog.Attr {
	return slog.String(FieldMsgStatus, status)
}

func QueueDepth(n int) slog.Attr {
	return slog.Int(FieldQueueDepth, n)
}

func Retry(n int) slog.Attr {
	return slog.Int(FieldRetry, n)
}
