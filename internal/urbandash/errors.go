package urbandash

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerUnavailable means the broker could not be reached or did not
	// acknowledge a write in time. Transient.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrSerialization means a payload is missing required fields or does not
	// parse. Retrying cannot fix it.
	ErrSerialization = errors.New("serialization error")
	// ErrCorrelationLookup means the order a ride refers to is not visible yet.
	ErrCorrelationLookup = errors.New("correlation lookup failure")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that redelivery cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent or is a serialization error.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) || errors.Is(err, ErrSerialization)
}

// HandlerError records where a consumed message failed.
type HandlerError struct {
	Group     string
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s[%d]@%d (group %s): %v", e.Topic, e.Partition, e.Offset, e.Group, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
