package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

// stdout receives command output; tests replace it
var stdout io.Writer = os.Stdout

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "hookrelay-cli",
		Description: "hookrelay - webhook delivery admin CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("hookrelay-cli", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newSubscriptionsCommand(),
		newApplyCommand(),
		newPublishCommand(),
		newDeliveriesCommand(),
		newDeadLettersCommand(),
		newBreakersCommand(),
		newResetBreakerCommand(),
		newSignCommand(),
		newVerifyCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(stdout, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(stdout, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
