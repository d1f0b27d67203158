package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydash/internal/dashstate"
	"github.com/agentworkforce/relaydash/internal/httpapi"
)

type eventsOptions struct {
	api    apiOptions
	filter string
	after  uint64
	limit  int
	follow bool
}

type eventsPage struct {
	Events     []dashstate.CanonicalEvent `json:"events"`
	NextCursor uint64                     `json:"nextCursor"`
}

func newEventsCmd(load configLoader) *cobra.Command {
	var opts eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the unified event feed",
		Long:  "Prints events newest first. With --follow, keeps the stream open and prints new events as they arrive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := dashstate.ParseFilter(opts.filter); err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg, opts.api, httpapi.ScopeRead)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printEventPage(cmd.Context(), client, opts, out); err != nil {
				return err
			}
			if !opts.follow {
				return nil
			}
			return followEvents(cmd.Context(), client, opts.filter, out)
		},
	}
	opts.api.bind(cmd)
	cmd.Flags().StringVar(&opts.filter, "filter", "all", "all, errors, hooks, responses, or category:<name>")
	cmd.Flags().Uint64Var(&opts.after, "after", 0, "only events with a sequence above this cursor")
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "maximum events to print")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "stream new events until interrupted")
	return cmd
}

func printEventPage(ctx context.Context, client *apiClient, opts eventsOptions, out io.Writer) error {
	query := url.Values{}
	query.Set("filter", opts.filter)
	if opts.after > 0 {
		query.Set("after", strconv.FormatUint(opts.after, 10))
	}
	if opts.limit > 0 {
		query.Set("limit", strconv.Itoa(opts.limit))
	}
	var page eventsPage
	if err := client.getJSON(ctx, "/v1/events", query, &page); err != nil {
		return err
	}
	for _, event := range page.Events {
		fmt.Fprintln(out, formatEvent(event))
	}
	return nil
}

func followEvents(ctx context.Context, client *apiClient, rawFilter string, out io.Writer) error {
	filter, err := dashstate.ParseFilter(rawFilter)
	if err != nil {
		return err
	}
	target, err := client.streamURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+client.token)
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		var msg httpapi.StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("stream closed: %s", status)
			}
			return err
		}
		switch msg.Type {
		case httpapi.StreamConnection:
			fmt.Fprintf(out, "-- connection %s\n", msg.Status)
		case httpapi.StreamMutation:
			m := msg.Mutation
			if m == nil || m.Collection != dashstate.CollectionEvents || m.Op != dashstate.OpInsert || m.Event == nil {
				continue
			}
			if !filter.Match(*m.Event) {
				continue
			}
			fmt.Fprintln(out, formatEvent(*m.Event))
		}
	}
}

// formatEvent renders one event as a single feed line.
func formatEvent(event dashstate.CanonicalEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s %-7s %-22s", event.Seq, event.OccurredAt.UTC().Format("15:04:05"), event.Severity, event.Kind)
	switch {
	case event.Refs.WorkflowID != "":
		fmt.Fprintf(&b, " [%s", event.Refs.WorkflowID)
		if event.Refs.WorkflowStep != "" {
			fmt.Fprintf(&b, "/%s", event.Refs.WorkflowStep)
		}
		b.WriteString("]")
	case event.AgentName != "":
		fmt.Fprintf(&b, " [%s]", event.AgentName)
	case event.Refs.AgentID != "":
		fmt.Fprintf(&b, " [%s]", event.Refs.AgentID)
	}
	if event.Summary != "" {
		b.WriteString(" ")
		b.WriteString(event.Summary)
	}
	return b.String()
}
