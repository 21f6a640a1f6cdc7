package subcommands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/metrics"
	"PocketLM/internal/runtime"
	"PocketLM/server"
)

// ServeOptions override the server section of the config.
type ServeOptions struct {
	Host     string
	Port     int
	HTTPPort int
	NoTCP    bool
	NoHTTP   bool
}

// RunServe starts the TCP and HTTP servers and one generation worker, and
// blocks until ctx is cancelled or a component fails.
func RunServe(ctx context.Context, w io.Writer, cfg config.Config, registry runtime.Registry, opts ServeOptions) error {
	if !cfg.ServerEnabled() {
		return errors.New("server disabled by configuration")
	}
	log := logging.With("serve")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	host := cfg.Server.Host
	if opts.Host != "" {
		host = opts.Host
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := pick(opts.Port, cfg.Server.Port)
	httpPort := pick(opts.HTTPPort, cfg.Server.HTTPPort)
	if opts.NoTCP && opts.NoHTTP {
		return errors.New("nothing to serve: both TCP and HTTP are disabled")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	mgr, err := runtime.NewManager(cfg.Runtime, registry, runtime.WithObserver(m))
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close runtime")
		}
	}()

	inbox := make(chan server.Message, 100)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Work(gctx, mgr, inbox) })

	if !opts.NoTCP {
		tcp := server.NewTCPServer(host, strconv.Itoa(port), inbox)
		if err := tcp.Start(); err != nil {
			return fmt.Errorf("failed to start TCP server: %w", err)
		}
		fmt.Fprintf(w, "PocketLM TCP server listening on %s\n", tcp.Addr())
		g.Go(func() error {
			<-gctx.Done()
			return tcp.Stop()
		})
	}

	if !opts.NoHTTP {
		hs := server.NewHTTPServer(host, strconv.Itoa(httpPort), mgr, inbox, server.HTTPOptions{
			CORSOrigins: cfg.Server.CORSOrigins,
			Bench:       cfg.Bench,
			Metrics:     m,
		})
		if err := hs.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		base := "http://" + hs.Addr()
		fmt.Fprintf(w, "PocketLM HTTP server listening on %s\n", base)
		fmt.Fprintf(w, "  Health:   %s/health\n", base)
		fmt.Fprintf(w, "  Generate: %s/v1/generate\n", base)
		fmt.Fprintf(w, "  Metrics:  %s/metrics\n", base)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Stop(sctx)
		})
	}

	err = g.Wait()
	fmt.Fprintln(w, "PocketLM server shutting down")
	return err
}
