package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/config"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		path  string
		batch bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish wire-format events read from a file or stdin",
		Long: `Publish reads events in their wire shape, either as a JSON array or as a
stream of JSON objects (one per line), and publishes them in order.

Missing ids and timestamps are generated. Missing source and version tags
are taken from the publisher section of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			events, err := readEvents(in, a.cfg.Publisher)
			if err != nil {
				return err
			}
			n, err := publish(cmd.Context(), a, events, batch)
			fmt.Fprintf(cmd.OutOrStdout(), "published %d of %d events\n", n, len(events))
			return err
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "File to read events from (defaults to stdin)")
	cmd.Flags().BoolVar(&batch, "batch", false, "Publish all events as one atomic batch")
	return cmd
}

// publish returns how many events were committed to the store.
func publish(ctx context.Context, a *app, events []eventlog.Event, batch bool) (n int, err error) {
	b, err := openBackends(ctx, a, true)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	opts := append(a.cfg.PublisherOptions(), eventlog.WithLogger(a.log))
	if b.transport != nil {
		opts = append(opts, eventlog.WithTransport(b.transport))
	}
	pub := eventlog.NewPublisher(b.store, opts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err = errors.Join(err, pub.Close(closeCtx))
	}()

	if batch {
		if err := pub.PublishBatch(ctx, events); err != nil {
			return 0, err
		}
		return len(events), nil
	}
	for i, e := range events {
		if err := pub.Publish(ctx, e); err != nil {
			return i, fmt.Errorf("event %d (%s): %w", i, e.ID, err)
		}
	}
	a.log.Info("events published", zap.Int("count", len(events)))
	return len(events), nil
}

// readEvents decodes a JSON array or a stream of JSON objects and fills in the
// envelope fields producers may leave out.
func readEvents(r io.Reader, defaults config.PublisherConfig) ([]eventlog.Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []eventlog.Event
	dec := json.NewDecoder(br)
	if first == '[' {
		if err := dec.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
	} else {
		for {
			var e eventlog.Event
			err := dec.Decode(&e)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode event %d: %w", len(events), err)
			}
			events = append(events, e)
		}
	}

	for i := range events {
		fillEnvelope(&events[i], defaults)
	}
	return events, nil
}

func fillEnvelope(e *eventlog.Event, defaults config.PublisherConfig) {
	if e.ID == "" {
		e.ID = eventlog.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = eventlog.Now()
	}
	e.Timestamp = eventlog.NormalizeTime(e.Timestamp)
	if e.Source == "" {
		e.Source = defaults.Source
	}
	if e.Version == "" {
		e.Version = defaults.Version
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c, br.UnreadByte()
	}
}
