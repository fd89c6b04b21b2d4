package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/Scrowzerrz/botllm/botllm"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := botllm.Version
	originalCommitSHA := botllm.CommitSHA
	originalBuildTime := botllm.BuildTime

	t.Cleanup(
		func() {
			botllm.Version = originalVersion
			botllm.CommitSHA = originalCommitSHA
			botllm.BuildTime = originalBuildTime
		},
	)

	botllm.Version = "1.0.0"
	botllm.CommitSHA = "abc123"
	botllm.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		botllm.Version,
		botllm.CommitSHA,
		botllm.BuildTime,
	)
	assert.Equal(t, expected, output)
}
