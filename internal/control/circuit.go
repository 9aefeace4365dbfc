package control

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker. It is not safe for
// concurrent use; the poll loop owns it.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	state       CircuitState
	failures    map[ErrorClass]int
	openedAt    time.Time
	openedClass ErrorClass
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[ErrorClass]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	return c.state
}

// Allow returns whether new work is allowed at this instant. An open circuit
// moves to half-open once the cooldown has elapsed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	if c.state != CircuitOpen {
		return true
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true
	}
	return false
}

// Remaining returns how long an open circuit stays open after now.
func (c *CircuitBreaker) Remaining(now time.Time) time.Duration {
	if c.state != CircuitOpen {
		return 0
	}
	left := c.Cooldown - now.Sub(c.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// RecordSuccess closes the circuit and forgets past failures.
func (c *CircuitBreaker) RecordSuccess() {
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[ErrorClass]int{}
}

// RecordFailure counts a failure of class. A failed half-open trial reopens
// the circuit immediately.
func (c *CircuitBreaker) RecordFailure(class ErrorClass, now time.Time) {
	if class == "" {
		class = ClassUnknown
	}
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = class
		return
	}
	c.failures[class]++
	if c.failures[class] >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = class
	}
}

// Failures returns the consecutive failure count of class.
func (c *CircuitBreaker) Failures(class ErrorClass) int {
	return c.failures[class]
}

func (c *CircuitBreaker) OpenedClass() ErrorClass {
	return c.openedClass
}
