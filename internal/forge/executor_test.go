package forge

import (
	"bytes"
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorWritesToLogWriter(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	var log bytes.Buffer
	exe := NewExecutor(context.Background(), &log)

	require.NoError(t, exe.Run(exe.Command("echo", "captured line")))
	assert.Contains(t, log.String(), "captured line")
}

func TestExecutorIdlePriorityWrapsCommand(t *testing.T) {
	for _, tool := range []string{"nice", "echo"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	var out bytes.Buffer
	exe := NewExecutor(context.Background(), nil)
	exe.ApplyIdlePriority = true

	cmd := exe.Command("echo", "deprioritized")
	cmd.Stdout = &out
	require.NoError(t, exe.Run(cmd))
	assert.Contains(t, out.String(), "deprioritized")
}

func TestExecutorAppendsEnv(t *testing.T) {
	if _, err := exec.LookPath("env"); err != nil {
		t.Skip("env not available")
	}
	var log bytes.Buffer
	exe := NewExecutor(context.Background(), &log)
	exe.Env = []string{"FORGE_TRIPLE=" + string(TripleLinux)}

	require.NoError(t, exe.Run(exe.Command("env")))
	assert.Contains(t, log.String(), "FORGE_TRIPLE="+string(TripleLinux))
}

func TestLookToolReportsMissingTool(t *testing.T) {
	_, err := LookTool("definitely-no-such-tool-anywhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-no-such-tool-anywhere")
}
