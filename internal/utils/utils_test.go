package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_ValidateID tests the ValidateID function with various inputs
func Test_ValidateID(t *testing.T) {
	tests := []struct {
		name        string
		id          int32
		expectError bool
	}{
		{name: "Positive id", id: 31, expectError: false},
		{name: "Smallest valid id", id: 1, expectError: false},
		{name: "Zero id", id: 0, expectError: true},
		{name: "Negative id", id: -4, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("product", tt.id)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidID)
				assert.Contains(t, err.Error(), "product id must be positive")
				return
			}
			assert.NoError(t, err)
		})
	}
}

// Test_ParsePort tests port parsing for the command-line arguments
func Test_ParsePort(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		want        int
		expectError bool
		errorMsg    string
	}{
		{name: "Plain port", raw: "50051", want: 50051},
		{name: "Colon prefixed", raw: ":8080", want: 8080},
		{name: "Surrounding spaces", raw: " 9000 ", want: 9000},
		{name: "Upper bound", raw: "65535", want: 65535},
		{name: "Empty", raw: "", expectError: true, errorMsg: "port cannot be empty"},
		{name: "Only colon", raw: ":", expectError: true, errorMsg: "port cannot be empty"},
		{name: "Not a number", raw: "grpc", expectError: true, errorMsg: "is not a number"},
		{name: "Zero", raw: "0", expectError: true, errorMsg: "out of range"},
		{name: "Too large", raw: "70000", expectError: true, errorMsg: "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePort(tt.raw)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPort)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Test_ValidateHost tests host validation
func Test_ValidateHost(t *testing.T) {
	tests := []struct {
		name        string
		host        string
		expectError bool
	}{
		{name: "Hostname", host: "localhost"},
		{name: "IPv4", host: "127.0.0.1"},
		{name: "Bracketed IPv6", host: "[::1]"},
		{name: "Empty", host: "", expectError: true},
		{name: "Whitespace", host: "   ", expectError: true},
		{name: "Host with port", host: "localhost:50051", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHost(tt.host)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
