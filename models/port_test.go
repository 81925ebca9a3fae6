package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPort(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		wantErr bool
	}{
		{"lowest allowed", 1024, false},
		{"typical", 7777, false},
		{"highest allowed", 65534, false},
		{"reserved range", 1023, true},
		{"well known", 80, true},
		{"upper bound excluded", 65535, true},
		{"negative", -1, true},
		{"overflow", 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPort(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, "port", verr.Field)
				assert.Zero(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in, p.Int())
		})
	}
}

func TestParsePort(t *testing.T) {
	p, err := ParsePort("4000")
	require.NoError(t, err)
	assert.Equal(t, Port(4000), p)
	assert.Equal(t, "4000", p.String())

	_, err = ParsePort("http")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "http", verr.Value)
	assert.Contains(t, err.Error(), "not a number")

	_, err = ParsePort("22")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "22", verr.Value)
}
