package breaker

import (
	"context"
	"errors"
	"net"
	"os"
)

// Classifier reports whether err counts toward the failure threshold.
type Classifier func(err error) bool

// NetworkFailures accepts timeouts and transport errors. Client cancellation
// is not a downstream failure.
func NetworkFailures(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type statusCoder interface {
	HTTPStatus() int
}

// ServerErrors accepts errors carrying a 5xx status.
func ServerErrors(err error) bool {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus() >= 500
	}
	return false
}

// AnyOf accepts an error when one of cs does.
func AnyOf(cs ...Classifier) Classifier {
	return func(err error) bool {
		for _, c := range cs {
			if c(err) {
				return true
			}
		}
		return false
	}
}

// ClassifierFor returns the classifier matching cfg.
func ClassifierFor(cfg Config) Classifier {
	if cfg.Count5xx {
		return AnyOf(NetworkFailures, ServerErrors)
	}
	return NetworkFailures
}
