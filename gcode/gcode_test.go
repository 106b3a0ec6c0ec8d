package gcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddLineAndHash(t *testing.T) {
	tests := []struct {
		lineno int
		cmd    string
		want   string
	}{
		{9, "G28 Z0 F150", "N9 G28 Z0 F150*2"},
		{1, "M105", "N1 M105*38"},
	}
	for _, tt := range tests {
		got := AddLineAndHash(tt.lineno, tt.cmd)
		require.Equal(t, tt.want, got, "AddLineAndHash(%d, %q)", tt.lineno, tt.cmd)
	}
}

func TestParseFramedRoundTrip(t *testing.T) {
	tests := []struct {
		lineno  int
		message string
	}{
		{9, "G28 Z0 F150"},
		{123456, "M24"},
		{1, ""},
	}
	for _, tt := range tests {
		framed := AddLineAndHash(tt.lineno, tt.message)
		gotLineno, gotMessage, err := ParseFramed(framed)
		require.NoError(t, err)
		require.Equal(t, tt.lineno, gotLineno)
		require.Equal(t, tt.message, gotMessage)
	}
}

func TestParseFramedRejectsBadChecksum(t *testing.T) {
	framed := AddLineAndHash(9, "G28 Z0 F150")
	tampered := framed[:len(framed)-1] + "9"
	_, _, err := ParseFramed(tampered)
	require.Error(t, err)
}

func TestParseFramedRejectsUnframed(t *testing.T) {
	_, _, err := ParseFramed("ok")
	require.Error(t, err)
}
