package voice

import "fmt"

// TransportError is fatal to the session: the carrier channel is gone, so
// the session moves to disconnected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProvisioningError means credentials could not be obtained; the session
// never leaves connecting and the caller hears a service-unavailable message.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning: %v", e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// StageError is a recoverable pipeline failure: the stage restarts and the
// session returns to listening without tearing down the transport.
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TruncationError records a rejected interruption command. Logged and
// dropped; the session proceeds.
type TruncationError struct {
	Err error
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("truncation rejected: %v", e.Err)
}

func (e *TruncationError) Unwrap() error { return e.Err }
