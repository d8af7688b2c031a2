package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
)

func newBreakersCommand() *Command {
	cmd := &Command{
		Name:        "breakers",
		Description: "Show circuit breaker state per endpoint",
		Flags:       flag.NewFlagSet("breakers", flag.ContinueOnError),
		Run:         runBreakers,
	}
	addServerFlags(cmd.Flags)
	return cmd
}

func runBreakers(args []string) error {
	cmd := newBreakersCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	var snapshots []circuitbreaker.Snapshot
	if err := clientFromFlags(cmd.Flags).do(context.Background(), http.MethodGet, "/breakers", nil, &snapshots); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tSTATE\tFAILURES\tOPENED")
	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.EndpointKey, s.State, s.FailureCount, formatOptionalTime(s.OpenedAt))
	}
	return tw.Flush()
}

func newResetBreakerCommand() *Command {
	cmd := &Command{
		Name:        "reset-breaker",
		Description: "Force an endpoint's circuit breaker closed",
		Flags:       flag.NewFlagSet("reset-breaker", flag.ContinueOnError),
		Run:         runResetBreaker,
	}
	addServerFlags(cmd.Flags)
	cmd.Flags.String("endpoint", "", "Endpoint key (scheme://host[:port])")
	return cmd
}

func runResetBreaker(args []string) error {
	cmd := newResetBreakerCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	endpoint := cmd.Flags.Lookup("endpoint").Value.String()
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	var snapshot circuitbreaker.Snapshot
	path := "/breakers/reset?endpoint=" + url.QueryEscape(endpoint)
	if err := clientFromFlags(cmd.Flags).do(context.Background(), http.MethodPost, path, nil, &snapshot); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Breaker for %s is now %s\n", snapshot.EndpointKey, snapshot.State)
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
