package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()

	assert.Equal(t, "hookrelay-cli", root.Name)
	assert.NotNil(t, root.Flags)

	expectedCommands := []string{
		"subscriptions",
		"apply",
		"publish",
		"deliveries",
		"dead-letters",
		"breakers",
		"reset-breaker",
		"sign",
		"verify",
	}
	for _, name := range expectedCommands {
		require.Contains(t, root.Subcommands, name)
		assert.Equal(t, name, root.Subcommands[name].Name)
		assert.NotNil(t, root.Subcommands[name].Run)
	}
	assert.Equal(t, len(expectedCommands), len(root.Subcommands))
}

func TestCommandUsage(t *testing.T) {
	out := captureOutput(t)

	require.NoError(t, NewRootCommand().Execute(nil))

	output := out.String()
	assert.Contains(t, output, "Usage: hookrelay-cli <command> [args]")
	assert.Contains(t, output, "Commands:")
	assert.Contains(t, output, "reset-breaker")
	assert.Less(t, strings.Index(output, "apply"), strings.Index(output, "verify"), "commands are sorted")
}

func TestCommandExecute_Help(t *testing.T) {
	out := captureOutput(t)
	require.NoError(t, execute(t, "--help"))
	assert.Contains(t, out.String(), "Usage:")
}

func TestCommandExecute_UnknownCommand(t *testing.T) {
	err := execute(t, "push")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: push")
}

func TestCommandExecute_BadFlag(t *testing.T) {
	captureOutput(t)
	assert.Error(t, execute(t, "breakers", "-no-such-flag"))
}
