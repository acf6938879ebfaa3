// internal/core/errors.go
package core

import (
	"context"
	"errors"
)

var (
	ErrConfigInvalid    = errors.New("config invalid")
	ErrConnection       = errors.New("connection error")
	ErrProtocolAnomaly  = errors.New("protocol anomaly")
	ErrTransportFailure = errors.New("transport failure")
	ErrOverloaded       = errors.New("overloaded")
	ErrModelError       = errors.New("model error")
	ErrAlertDelivery    = errors.New("alert delivery error")
	ErrUnknownCamera    = errors.New("unknown camera")
)

// ErrorKind é o rótulo usado em métricas e no status publicado.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindConfigInvalid    ErrorKind = "config_invalid"
	KindConnection       ErrorKind = "connection_error"
	KindProtocolAnomaly  ErrorKind = "protocol_anomaly"
	KindTransportFailure ErrorKind = "transport_failure"
	KindOverloaded       ErrorKind = "overloaded"
	KindModelError       ErrorKind = "model_error"
	KindAlertDelivery    ErrorKind = "alert_delivery_error"
	KindUnknownCamera    ErrorKind = "unknown_camera"
	KindCanceled         ErrorKind = "canceled"
	KindOther            ErrorKind = "other"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrConfigInvalid, KindConfigInvalid},
	{ErrConnection, KindConnection},
	{ErrProtocolAnomaly, KindProtocolAnomaly},
	{ErrTransportFailure, KindTransportFailure},
	{ErrOverloaded, KindOverloaded},
	{ErrModelError, KindModelError},
	{ErrAlertDelivery, KindAlertDelivery},
	{ErrUnknownCamera, KindUnknownCamera},
}

func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	return KindOther
}

// Retryable diz se o supervisor deve tentar de novo com backoff.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindConfigInvalid, KindCanceled, KindUnknownCamera, KindNone:
		return false
	}
	return true
}
