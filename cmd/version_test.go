package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/unityhelper/unityhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := unityhelper.Version
	originalCommitSHA := unityhelper.CommitSHA
	originalBuildTime := unityhelper.BuildTime

	t.Cleanup(
		func() {
			unityhelper.Version = originalVersion
			unityhelper.CommitSHA = originalCommitSHA
			unityhelper.BuildTime = originalBuildTime
		},
	)

	unityhelper.Version = "1.0.0"
	unityhelper.CommitSHA = "abc123"
	unityhelper.BuildTime = "2023-10-01T12:00:00Z"

	out := executeCommand(t, "version")
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		unityhelper.Version,
		unityhelper.CommitSHA,
		unityhelper.BuildTime,
	)
	assert.Equal(t, expected, out)
}

// executeCommand runs the root command with the given args, returning
// everything written to its output.
func executeCommand(t testing.TB, args ...string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetArgs(nil)
		},
	)
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}
