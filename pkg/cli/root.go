package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/clinaudit/pkg/api"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Opener builds the runtime a command operates on.
type Opener func(ctx context.Context) (*api.Runtime, error)

// Env is what commands share: how to reach the database, where to print
// and who is operating.
type Env struct {
	Open Opener
	Out  io.Writer
	// Operator is the person running the tool. Grants and cursor resets
	// are recorded under this name.
	Operator string
	Role     principal.Role
}

func (e *Env) principal() principal.Principal {
	role := e.Role
	if role == "" {
		role = principal.RoleSysAdmin
	}
	return principal.Principal{Actor: e.Operator, Role: role, SessionID: "cli-" + uuid.New().String()}
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "clinaudit-admin",
		Description: "clinaudit-admin - operate the clinical audit store",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("clinaudit-admin", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(),
		newGrantCommand(),
		newRevokeCommand(),
		newGrantsCommand(),
		newCursorsCommand(),
		newResetCursorCommand(),
		newDrainCommand(),
		newVerifyCommand(),
		newArchiveCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, env *Env, args []string) error {
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if len(args) == 0 {
		return c.usage(env.Out)
	}

	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage(env.Out)
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		if env.Operator == "" {
			return fmt.Errorf("operator is required (set -operator or $USER)")
		}
		return subcmd.Run(ctx, env, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage(w io.Writer) error {
	fmt.Fprintf(w, "Usage: %s [-operator name] <command> [args]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
