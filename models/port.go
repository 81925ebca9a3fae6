package models

import (
	"fmt"
	"strconv"
)

// Bounds of a usable transport port. Both ends are excluded.
const (
	MinPort = 1023
	MaxPort = 65535
)

// Port is a transport port number that has passed validation.
type Port uint16

// ValidationError reports a value rejected at the network boundary.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NewPort validates n and returns it as a Port.
func NewPort(n int) (Port, error) {
	if n <= MinPort || n >= MaxPort {
		return 0, &ValidationError{
			Field:  "port",
			Value:  strconv.Itoa(n),
			Reason: fmt.Sprintf("must be between %d and %d", MinPort+1, MaxPort-1),
		}
	}
	return Port(n), nil
}

// ParsePort parses and validates a decimal port number.
func ParsePort(s string) (Port, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ValidationError{Field: "port", Value: s, Reason: "not a number"}
	}
	return NewPort(n)
}

func (p Port) Int() int {
	return int(p)
}

func (p Port) String() string {
	return strconv.Itoa(int(p))
}
