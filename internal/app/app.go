package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"lockstepd/internal/config"
	"lockstepd/internal/lockstep"
	servernet "lockstepd/internal/net"
	"lockstepd/internal/net/tcp"
	"lockstepd/internal/net/transport"
	"lockstepd/internal/net/ws"
	"lockstepd/internal/observability"
	"lockstepd/internal/results"
	"lockstepd/internal/sim"
	"lockstepd/internal/telemetry"
	"lockstepd/logging"
	loggingSinks "lockstepd/logging/sinks"
)

const (
	shutdownTimeout = 5 * time.Second
	recordTimeout   = 5 * time.Second
)

type Config struct {
	Logger telemetry.Logger
	// ConfigPath names an optional JSON config file.
	ConfigPath string
	EnvFiles   []string
	// Ready receives the bound addresses once every listener is up.
	Ready func(Addrs)
}

// Addrs are the addresses actually bound; empty when disabled.
type Addrs struct {
	TCP  string
	WS   string
	HTTP string
}

func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	settings, err := config.Load(cfg.ConfigPath, telemetryLogger, cfg.EnvFiles...)
	if err != nil {
		return err
	}

	metrics := &logging.Metrics{}

	router, closeSinks, err := newRouter(settings.Logging, fallbackLogger, metrics)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		closeSinks()
	}()

	var store *results.Store
	if settings.ResultsPath != "" {
		store, err = results.Open(settings.ResultsPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	hooks := lockstep.HostHooks{}
	if store != nil {
		hooks.OnGameOver = func(record results.GameRecord) {
			recordCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if id, err := store.RecordGame(recordCtx, record); err != nil {
				telemetryLogger.Printf("failed to record game %s: %v", record.Session, err)
			} else {
				telemetryLogger.Printf("recorded game %s as #%d", record.Session, id)
			}
		}
	}

	host := lockstep.NewHost(sim.NewEngine(), settings.HostConfig(),
		lockstep.WithLogger(telemetryLogger),
		lockstep.WithMetrics(telemetry.WrapMetrics(metrics)),
		lockstep.WithPublisher(router),
		lockstep.WithHooks(hooks),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connOpts := []transport.Option{transport.WithMetrics(telemetry.WrapMetrics(metrics))}
	wsHandler := ws.NewHandler(host, ws.HandlerConfig{Logger: telemetryLogger, Context: ctx, Options: connOpts})

	var addrs Addrs
	var listeners []net.Listener
	listen := func(addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		return ln, nil
	}

	var tcpLn, wsLn, httpLn net.Listener
	if settings.Listen != "" {
		if tcpLn, err = listen(settings.Listen); err != nil {
			return err
		}
		addrs.TCP = tcpLn.Addr().String()
	}
	if settings.WSListen != "" {
		if wsLn, err = listen(settings.WSListen); err != nil {
			return err
		}
		addrs.WS = wsLn.Addr().String()
	}
	if settings.HTTPListen != "" {
		if httpLn, err = listen(settings.HTTPListen); err != nil {
			return err
		}
		addrs.HTTP = httpLn.Addr().String()
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	spawn("host", func() error { return host.Run(ctx) })

	if tcpLn != nil {
		spawn("tcp", func() error { return tcp.Serve(ctx, tcpLn, host, telemetryLogger, connOpts...) })
	}
	if wsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", wsHandler)
		srv := &http.Server{Handler: mux}
		spawn("websocket", func() error { return serveHTTP(ctx, srv, wsLn) })
		telemetryLogger.Printf("websocket listening on %s", addrs.WS)
	}
	if httpLn != nil {
		httpCfg := servernet.HTTPHandlerConfig{
			Logger:        telemetryLogger,
			Metrics:       metrics,
			Observability: observability.Config{EnablePprof: settings.EnablePprof},
		}
		if store != nil {
			httpCfg.Results = store
		}
		if wsLn == nil {
			httpCfg.WebSocket = wsHandler
		}
		srv := &http.Server{Handler: servernet.NewHTTPHandler(host, httpCfg)}
		spawn("http", func() error { return serveHTTP(ctx, srv, httpLn) })
		telemetryLogger.Printf("server listening on %s", addrs.HTTP)
	}

	if cfg.Ready != nil {
		cfg.Ready(addrs)
	}

	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(cfg config.Logging, fallback *log.Logger, metrics *logging.Metrics) (*logging.Router, func(), error) {
	logConfig := logging.DefaultConfig()
	if len(cfg.Sinks) > 0 {
		logConfig.EnabledSinks = cfg.Sinks
	}
	if cfg.MinimumSeverity != "" {
		severity, err := logging.ParseSeverity(cfg.MinimumSeverity)
		if err != nil {
			return nil, nil, err
		}
		logConfig.MinimumSeverity = severity
	}

	closeSinks := func() {}
	opts := []logging.RouterOption{
		logging.WithFallback(fallback),
		logging.WithMetrics(metrics),
		logging.WithSink("console", loggingSinks.NewConsole(os.Stdout)),
	}
	if logConfig.HasSink("json") {
		if cfg.JSONPath == "" {
			opts = append(opts, logging.WithSink("json", loggingSinks.NewJSON(os.Stdout, logConfig.JSON.FlushInterval)))
		} else {
			file, err := os.OpenFile(cfg.JSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open json log: %w", err)
			}
			opts = append(opts, logging.WithSink("json", loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)))
			closeSinks = func() { file.Close() }
		}
	}

	router, err := logging.NewRouter(logConfig, opts...)
	if err != nil {
		closeSinks()
		return nil, nil, err
	}
	return router, closeSinks, nil
}
