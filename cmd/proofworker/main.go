// Command proofworker hosts the proving engine behind the bridge protocol.
//
// By default it serves a single channel on stdin/stdout, which is how
// proofbridge spawns it. With --listen it serves tcp connections instead and,
// when registry endpoints are configured, publishes its address in etcd.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proof-rpc/circuit"
	"proof-rpc/config"
	"proof-rpc/engine"
	"proof-rpc/logging"
	"proof-rpc/middleware"
	"proof-rpc/registry"
	"proof-rpc/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var (
		cfgFile   string
		listen    string
		advertise string
	)

	cmd := &cobra.Command{
		Use:          "proofworker",
		Short:        "Serve the proof engine over the bridge protocol",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.SetDefaults(v)
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return xerrors.Errorf("read config: %w", err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, listen, advertise)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	cmd.Flags().StringVar(&listen, "listen", "", "serve tcp on this address instead of stdio")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address published in the registry (default: --listen)")
	cmd.Flags().String("name", "", "worker name in the registry")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	cmd.Flags().String("circuit", "", "compiled circuit to load instead of the built-in one")
	_ = v.BindPFlag("worker.name", cmd.Flags().Lookup("name"))
	_ = v.BindPFlag("logging.level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("engine.circuit_path", cmd.Flags().Lookup("circuit"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config, listen, advertise string) error {
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	eng := engine.NewWasmEngine(
		engine.WithCacheSize(cfg.Engine.CacheSize),
		engine.WithRunTimeout(cfg.Engine.RunTimeout),
		engine.WithEngineLogger(logger.Named("engine")),
	)
	defer eng.Close(context.Background())

	backend := circuit.NewBackend(eng, circuit.NewSource(cfg.Engine.CircuitPath),
		circuit.WithParams(cfg.EngineParams()),
		circuit.WithLogger(logger.Named("circuit")),
	)
	dispatcher := server.NewDispatcher(backend, server.WithDispatcherLogger(logger.Named("dispatcher")))

	var opts []server.Option
	opts = append(opts, server.WithLogger(logger))
	if listen != "" && len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger.Named("registry"))
		if err != nil {
			return err
		}
		defer reg.Close()
		if advertise == "" {
			advertise = listen
		}
		opts = append(opts, server.WithRegistry(reg, cfg.Worker.Name, advertise, cfg.Registry.TTL))
	}

	svr := server.NewServer(dispatcher, opts...)
	svr.Use(middleware.RecoverMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.RequestTimeout))
	}
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.Burst))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listen == "" {
		logger.Info("serving on stdio")
		done := make(chan struct{})
		go func() {
			svr.ServeConn(stdio{Reader: os.Stdin, Writer: os.Stdout})
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return svr.Shutdown(shutdownTimeout)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svr.Serve("tcp", listen) }()
	logger.Info("serving on tcp", zap.String("addr", listen))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := svr.Shutdown(shutdownTimeout); err != nil {
			return err
		}
		return <-errCh
	}
}

// stdio joins the process's stdin and stdout into one worker channel.
type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	return os.Stdin.Close()
}
