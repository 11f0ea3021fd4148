package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/transport/websocket"
)

type serveOptions struct {
	addr     string
	from     string
	interval time.Duration
	lookback time.Duration
	seen     int
}

func newServeCmd(a *app) *cobra.Command {
	var o serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve newly persisted events to websocket subscribers",
		Long: `Serve hosts the websocket hub and tails the configured store. Every event
another producer persists is pushed to the clients subscribed to one of its
topics. Clients connect to /events?topic=clinic:C1&topic=sales-events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.addr == "" {
				o.addr = a.cfg.Transport.Websocket.Addr
			}
			return serve(cmd.Context(), a, o)
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "", "Listen address (defaults to transport.websocket.addr)")
	cmd.Flags().StringVar(&o.from, "from", "", "Start tailing at this RFC 3339 timestamp instead of now")
	cmd.Flags().DurationVar(&o.interval, "poll-interval", time.Second, "How often to poll the store")
	cmd.Flags().DurationVar(&o.lookback, "lookback", 5*time.Second, "How far behind the newest event each poll re-reads")
	cmd.Flags().IntVar(&o.seen, "seen-capacity", 65536, "How many forwarded event ids to remember")
	return cmd
}

func serve(ctx context.Context, a *app, o serveOptions) (err error) {
	b, err := openBackends(ctx, a, false)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	wsCfg := a.cfg.Transport.Websocket
	hub := websocket.NewHub(
		websocket.WithBufferSize(wsCfg.Buffer),
		websocket.WithWriteTimeout(wsCfg.WriteTimeout),
		websocket.WithOriginPatterns(wsCfg.OriginPatterns...),
		websocket.WithLogger(a.log),
	)

	t := newTailer(b.store, hub,
		eventlog.TopicRouter{GlobalTopic: a.cfg.Publisher.GlobalTopic},
		eventlog.NewMemorySeenSet(o.seen),
		a.log.With(zap.String("component", "tail")))
	t.interval = o.interval
	t.lookback = o.lookback
	if o.from != "" {
		from, err := time.Parse(time.RFC3339Nano, o.from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		t.from = from
	}

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{
		Addr:              o.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() { t.run(ctx) })
	wg.Go(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := hub.Close(); err != nil {
			a.log.Warn("close websocket hub", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("shutdown http server", zap.Error(err))
		}
	})

	a.log.Info("serving events", zap.String("addr", o.addr), zap.Time("from", t.from))
	err = srv.ListenAndServe()
	cancel()
	wg.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
