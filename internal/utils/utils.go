// Package utils provides common validation helpers shared by the lookup server,
// the enricher and their configuration.
package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error definitions for validation functions
var (
	ErrInvalidID   = errors.New("invalid reference id")
	ErrInvalidPort = errors.New("invalid port")
	ErrEmptyHost   = errors.New("host cannot be empty")
)

// ValidateID checks that a product or broker id is usable as a map key on the wire.
// Reference ids are positive; zero is the unset value of the RPC messages.
func ValidateID(kind string, id int32) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s id must be positive, got %d", ErrInvalidID, kind, id)
	}
	return nil
}

// ParsePort parses a TCP port given on the command line.
//
// Accepted forms are "50051" and ":50051". The port must be in 1..65535.
func ParsePort(raw string) (int, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), ":")
	if raw == "" {
		return 0, fmt.Errorf("%w: port cannot be empty", ErrInvalidPort)
	}

	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPort, raw)
	}

	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d out of range 1-65535", ErrInvalidPort, port)
	}
	return port, nil
}

// ValidateHost rejects empty host names and host names that already carry a port.
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return ErrEmptyHost
	}
	// bracketed IPv6 literals carry colons of their own
	if !strings.HasPrefix(host, "[") && strings.Count(host, ":") == 1 {
		return fmt.Errorf("host %q must not include a port", host)
	}
	return nil
}
