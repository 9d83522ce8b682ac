package service

import "fmt"

// ErrorKind classifies why a tools/call dispatch failed, surfaced to the
// downstream caller in the JSON-RPC error's data.code field so a client
// can distinguish "retry later" from "fix your request" without parsing
// the message text.
type ErrorKind string

const (
	KindConfigError     ErrorKind = "CONFIG_ERROR"
	KindServiceNotFound ErrorKind = "SERVICE_NOT_FOUND"
	KindToolNotFound    ErrorKind = "TOOL_NOT_FOUND"
	KindServiceNotReady ErrorKind = "SERVICE_NOT_READY"
	KindTransportError  ErrorKind = "TRANSPORT_ERROR"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindValidationError ErrorKind = "VALIDATION_ERROR"
	KindInternalError   ErrorKind = "INTERNAL_ERROR"
)

// CallError carries structured context for a failed tools/call: which
// service and tool were involved and which attempt this was, so logs and
// the JSON-RPC error's data field can correlate the same failure.
type CallError struct {
	Kind        ErrorKind
	ServiceName string
	ToolName    string
	Attempt     int
	Message     string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: service %q tool %q", e.Kind, e.ServiceName, e.ToolName)
}
