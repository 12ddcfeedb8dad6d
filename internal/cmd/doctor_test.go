package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "long token", input: "eyJhbGciOiJFZERTQSJ9.abcd", want: "****abcd"},
		{name: "4 chars", input: "ABCD", want: "****"},
		{name: "3 chars", input: "ABC", want: "****"},
		{name: "empty", input: "", want: "****"},
		{name: "5 chars shows last 4", input: "ABCDE", want: "****BCDE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskToken(tt.input))
		})
	}
}

func TestCheckWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	got, err := checkWritableDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	_, err = checkWritableDir("")
	assert.Error(t, err)
}

func TestDoctorCommand(t *testing.T) {
	isolateCLI(t)

	out, err := execute(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "job store... ok 0 jobs")
	assert.Contains(t, out, "All checks passed.")
}
