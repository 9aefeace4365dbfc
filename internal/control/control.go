// Package control holds the failure-handling primitives of the poll loop.
package control

import (
	"strings"
	"time"
)

// MaxBackoff caps Backoff.
const MaxBackoff = 30 * time.Second

// Backoff returns the delay after the given number of consecutive failures:
// 1s, 2s, 4s, ... capped at MaxBackoff. Zero failures means no delay.
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 6 {
		return MaxBackoff
	}
	d := time.Duration(1<<(failures-1)) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// ErrorClass groups failures that share a circuit.
type ErrorClass string

const (
	ClassTransport ErrorClass = "transport"
	ClassJournal   ErrorClass = "journal"
	ClassUnknown   ErrorClass = "unknown"
)

// Classify maps an error from the poll loop to its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "telegram"), strings.Contains(msg, "commander"):
		return ClassTransport
	case strings.Contains(msg, "sqlite"), strings.Contains(msg, "journal"), strings.Contains(msg, "database"):
		return ClassJournal
	default:
		return ClassUnknown
	}
}
