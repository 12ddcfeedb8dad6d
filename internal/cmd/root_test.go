package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after a command ran", func(t *testing.T) {
		isolateCLI(t)
		_, err := execute(t, "job", "list")
		require.NoError(t, err)

		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "gostep", id.BinaryName)
		assert.Equal(t, "GOSTEP", id.EnvPrefix)
	})
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitInvalidArgument, "Invalid thing", cause)

	var ee *exitCodeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, int(foundry.ExitInvalidArgument), ee.code)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, fmt.Sprintf("Invalid thing: boom (exit code %d)", ee.code), err.Error())

	err = exitError(exitFailure, "Run failed", nil)
	assert.Contains(t, err.Error(), "run failed")
}

func TestParseArgPairs(t *testing.T) {
	args, err := parseArgPairs([]string{"preset=fast", "scale=2", "dry=true", "list=[1,2]", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, "fast", args["preset"])
	assert.Equal(t, 2.0, args["scale"])
	assert.Equal(t, true, args["dry"])
	assert.Equal(t, []any{1.0, 2.0}, args["list"])
	assert.Equal(t, "a=b", args["expr"])

	_, err = parseArgPairs([]string{"novalue"})
	assert.Error(t, err)

	args, err = parseArgPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, args)
}

func TestTailLines(t *testing.T) {
	lines, err := tailLines(stringsReader("a\nb\nc\nd\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = tailLines(stringsReader("a\n"), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, lines)
}

func TestShortJobID(t *testing.T) {
	assert.Equal(t, "render-1", shortJobID("render-1"))
	assert.Equal(t, "0f8fad5b-d9c", shortJobID("0f8fad5b-d9cb-469f-a165-70867728950e"))
}
