package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/hookrelay/pkg/config"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

func newSubscriptionsCommand() *Command {
	cmd := &Command{
		Name:        "subscriptions",
		Description: "List registered subscriptions",
		Flags:       flag.NewFlagSet("subscriptions", flag.ContinueOnError),
		Run:         runSubscriptions,
	}
	addServerFlags(cmd.Flags)
	return cmd
}

func runSubscriptions(args []string) error {
	cmd := newSubscriptionsCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	var subs []*webhooks.Subscription
	if err := clientFromFlags(cmd.Flags).do(context.Background(), http.MethodGet, "/subscriptions", nil, &subs); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tTARGET\tEVENT TYPES")
	for _, sub := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			sub.ID, sub.Name, sub.Active, sub.TargetURL, strings.Join(sub.EventTypePatterns, ","))
	}
	return tw.Flush()
}

func newApplyCommand() *Command {
	cmd := &Command{
		Name:        "apply",
		Description: "Create or update subscriptions from a YAML file",
		Flags:       flag.NewFlagSet("apply", flag.ContinueOnError),
		Run:         runApply,
	}
	addServerFlags(cmd.Flags)
	cmd.Flags.String("file", "", "Subscriptions YAML file")
	return cmd
}

func runApply(args []string) error {
	cmd := newApplyCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	path := cmd.Flags.Lookup("file").Value.String()
	if path == "" {
		return fmt.Errorf("file is required")
	}

	subs, err := config.LoadSubscriptionsFile(path)
	if err != nil {
		return err
	}

	target := &apiUpserter{client: clientFromFlags(cmd.Flags)}
	if err := config.ApplySubscriptions(context.Background(), target, subs); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Applied %d subscriptions (%d created, %d updated)\n", len(subs), target.created, target.updated)
	return nil
}

// apiUpserter applies subscriptions through the admin API
type apiUpserter struct {
	client           *Client
	created, updated int
}

func (u *apiUpserter) Upsert(ctx context.Context, sub *webhooks.Subscription) error {
	path := "/subscriptions/" + url.PathEscape(sub.ID)

	err := u.client.do(ctx, http.MethodPut, path, sub, nil)
	switch {
	case isNotFound(err):
		if err := u.client.do(ctx, http.MethodPost, "/subscriptions", sub, nil); err != nil {
			return err
		}
		u.created++
	case err != nil:
		return err
	default:
		u.updated++
	}

	action := "/activate"
	if !sub.Active {
		action = "/deactivate"
	}
	return u.client.do(ctx, http.MethodPost, path+action, nil, nil)
}
