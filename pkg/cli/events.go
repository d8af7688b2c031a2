package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

func newPublishCommand() *Command {
	cmd := &Command{
		Name:        "publish",
		Description: "Publish an event for delivery",
		Flags:       flag.NewFlagSet("publish", flag.ContinueOnError),
		Run:         runPublish,
	}
	addServerFlags(cmd.Flags)
	cmd.Flags.String("type", "", "Event type, e.g. producto.creado")
	cmd.Flags.String("id", "", "Event ID (generated by the server when empty)")
	cmd.Flags.String("data", "", "Event data as inline JSON")
	cmd.Flags.String("data-file", "", "File holding the event data JSON")
	cmd.Flags.String("correlation-id", "", "Correlation ID")
	return cmd
}

type publishResult struct {
	EventID       string `json:"eventId"`
	CorrelationID string `json:"correlationId"`
	Subscriptions int    `json:"subscriptions"`
}

func runPublish(args []string) error {
	cmd := newPublishCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	eventType := cmd.Flags.Lookup("type").Value.String()
	if eventType == "" {
		return fmt.Errorf("type is required")
	}

	data := []byte(cmd.Flags.Lookup("data").Value.String())
	if file := cmd.Flags.Lookup("data-file").Value.String(); file != "" {
		if len(data) > 0 {
			return fmt.Errorf("data and data-file are mutually exclusive")
		}
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return fmt.Errorf("failed to read data file: %w", err)
		}
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if !json.Valid(data) {
		return fmt.Errorf("event data is not valid JSON")
	}

	event := &webhooks.Event{
		ID:            cmd.Flags.Lookup("id").Value.String(),
		Type:          eventType,
		Data:          json.RawMessage(data),
		CorrelationID: cmd.Flags.Lookup("correlation-id").Value.String(),
	}

	var result publishResult
	if err := clientFromFlags(cmd.Flags).do(context.Background(), http.MethodPost, "/events", event, &result); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Published event %s (correlation %s) to %d subscriptions\n",
		result.EventID, result.CorrelationID, result.Subscriptions)
	return nil
}

func newDeliveriesCommand() *Command {
	cmd := &Command{
		Name:        "deliveries",
		Description: "List deliveries for an event or a subscription",
		Flags:       flag.NewFlagSet("deliveries", flag.ContinueOnError),
		Run:         runDeliveries,
	}
	addServerFlags(cmd.Flags)
	cmd.Flags.String("event", "", "Event ID")
	cmd.Flags.String("subscription", "", "Subscription ID")
	cmd.Flags.Int("limit", 50, "Maximum deliveries for a subscription")
	return cmd
}

func runDeliveries(args []string) error {
	cmd := newDeliveriesCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	eventID := cmd.Flags.Lookup("event").Value.String()
	subscriptionID := cmd.Flags.Lookup("subscription").Value.String()

	var path string
	switch {
	case eventID != "" && subscriptionID != "":
		return fmt.Errorf("event and subscription are mutually exclusive")
	case eventID != "":
		path = "/events/" + url.PathEscape(eventID) + "/deliveries"
	case subscriptionID != "":
		path = "/subscriptions/" + url.PathEscape(subscriptionID) + "/deliveries?limit=" + cmd.Flags.Lookup("limit").Value.String()
	default:
		return fmt.Errorf("event or subscription is required")
	}

	var deliveries []*webhooks.Delivery
	if err := clientFromFlags(cmd.Flags).do(context.Background(), http.MethodGet, path, nil, &deliveries); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBSCRIPTION\tEVENT TYPE\tSTATUS\tATTEMPT\tHTTP\tERROR")
	for _, d := range deliveries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.SubscriptionID, d.EventType, d.Status, d.AttemptNumber, httpStatus(d.HTTPStatusCode), d.ErrorMessage)
	}
	return tw.Flush()
}

func newDeadLettersCommand() *Command {
	cmd := &Command{
		Name:        "dead-letters",
		Description: "List deliveries that exhausted their retries",
		Flags:       flag.NewFlagSet("dead-letters", flag.ContinueOnError),
		Run:         runDeadLetters,
	}
	addServerFlags(cmd.Flags)
	cmd.Flags.Int("limit", 50, "Maximum entries")
	return cmd
}

func runDeadLetters(args []string) error {
	cmd := newDeadLettersCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	path := "/dead-letters?limit=" + cmd.Flags.Lookup("limit").Value.String()
	var deadLetters []*webhooks.DeadLetter
	if err := clientFromFlags(cmd.Flags).do(context.Background(), http.MethodGet, path, nil, &deadLetters); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEAD-LETTERED\tSUBSCRIPTION\tEVENT\tEVENT TYPE\tATTEMPTS\tHTTP\tERROR")
	for _, dl := range deadLetters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.DeadLetteredAt.Format("2006-01-02 15:04:05"), dl.SubscriptionID, dl.EventID, dl.EventType,
			dl.AttemptNumber, httpStatus(dl.HTTPStatusCode), dl.ErrorMessage)
	}
	return tw.Flush()
}

func httpStatus(code int) string {
	if code == 0 {
		return "-"
	}
	return strconv.Itoa(code)
}
