package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// Error taxonomy for the sync engine. Transport and rejection errors are
// operational and handled via structured results; storage errors propagate
// because a local-durability fault must never be swallowed; configuration
// errors fail fast instead of hanging.

// TransportError covers timeouts and connection failures. Always retryable;
// every occurrence feeds the network monitor.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerRejection means the remote processed the call but rejected one
// specific record.
type ServerRejection struct {
	RecordId string
	Reason   string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("server rejected record %s: %s", e.RecordId, e.Reason)
}

// StorageError is a local persistence fault. The sync layer never retries
// these.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigurationError is a missing or invalid base URL or credential setup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
