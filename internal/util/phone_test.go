package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, cc, want string
	}{
		{"+44 20 7946 0958", "44", "+442079460958"},
		{"0044 20 7946 0958", "", "+442079460958"},
		{"020 7946 0958", "44", "+442079460958"},
		{"442079460958", "44", "+442079460958"},
		{"7946-0958", "1", "+179460958"},
		{"  ", "44", ""},
		{"12345", "", "12345"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizePhone(tc.in, tc.cc), tc.in)
	}
}

func TestNewIsMonotonic(t *testing.T) {
	a := New()
	b := New()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
	assert.Equal(t, "tx_", NewWithPrefix("tx")[:3])
}
