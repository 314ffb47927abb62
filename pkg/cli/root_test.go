package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()

	assert.Equal(t, "clinaudit-admin", root.Name)
	assert.NotNil(t, root.Subcommands)
	assert.NotNil(t, root.Flags)

	expectedCommands := []string{
		"migrate",
		"grant",
		"revoke",
		"grants",
		"cursors",
		"reset-cursor",
		"drain",
		"verify",
		"archive",
	}

	for _, cmdName := range expectedCommands {
		assert.Contains(t, root.Subcommands, cmdName, "Expected subcommand %s to be registered", cmdName)
		assert.Equal(t, cmdName, root.Subcommands[cmdName].Name)
	}
	assert.Equal(t, len(expectedCommands), len(root.Subcommands))
}

func TestCommandUsage(t *testing.T) {
	var buf bytes.Buffer
	err := NewRootCommand().usage(&buf)

	assert.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "Usage: clinaudit-admin [-operator name] <command> [args]")
	assert.Contains(t, output, "Commands:")
	assert.Contains(t, output, "reset-cursor")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("archive")), bytes.Index(buf.Bytes(), []byte("verify")))
}

func TestCommandExecute_Help(t *testing.T) {
	for _, arg := range []string{"-h", "--help", "--HELP", "help"} {
		t.Run(arg, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewRootCommand().Execute(context.Background(), &Env{Out: &buf}, []string{arg})
			assert.NoError(t, err)
			assert.Contains(t, buf.String(), "Usage: clinaudit-admin")
		})
	}
}

func TestCommandExecute_NoArgs(t *testing.T) {
	var buf bytes.Buffer
	err := NewRootCommand().Execute(context.Background(), &Env{Out: &buf}, nil)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "Commands:")
}

func TestCommandExecute_ValidSubcommand(t *testing.T) {
	root := NewRootCommand()

	var receivedArgs []string
	root.Subcommands["test"] = &Command{
		Name:        "test",
		Description: "Test command",
		Run: func(ctx context.Context, env *Env, args []string) error {
			receivedArgs = args
			return nil
		},
	}

	err := root.Execute(context.Background(), &Env{Operator: "alice"}, []string{"test", "-flag", "value"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"-flag", "value"}, receivedArgs)
}

func TestCommandExecute_RequiresOperator(t *testing.T) {
	err := NewRootCommand().Execute(context.Background(), &Env{}, []string{"cursors"})
	assert.ErrorContains(t, err, "operator is required")
}

func TestCommandExecute_UnknownCommand(t *testing.T) {
	err := NewRootCommand().Execute(context.Background(), &Env{Operator: "alice"}, []string{"nonexistent"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: nonexistent")
}
