package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicsales/eventlog"
)

func newEventsCmd(a *app) *cobra.Command {
	var (
		aggregate string
		from      string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print stored events as JSON lines, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := eventlog.Filter{AggregateID: aggregate}
			if from != "" {
				ts, err := time.Parse(time.RFC3339Nano, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				filter.From = ts
			}
			return printEvents(cmd.Context(), a, filter, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&aggregate, "aggregate", "a", "", "Only events referencing this lead, proposal or activity id")
	cmd.Flags().StringVar(&from, "from", "", "Only events at or after this RFC 3339 timestamp")
	return cmd
}

func printEvents(ctx context.Context, a *app, filter eventlog.Filter, w io.Writer) (err error) {
	b, err := openBackends(ctx, a, false)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	iter, err := b.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.Next(ctx) {
		line, err := eventlog.MarshalEvent(iter.Value().Event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return err
		}
	}
	return iter.Err()
}
