// ============================================================================
// compile-asm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for one-shot compiles and the editor daemon
//
// Command Structure:
//   compile-asm                    # Root command
//   ├── compile [file]             # Compile a file (or stdin) to assembly
//   │   ├── --arch                 # arm64, x86_64, llvm, ...
//   │   ├── --sdk / --device-os    # xcrun SDK and -target OS
//   │   ├── --extra-arg            # repeatable
//   │   ├── --emit                 # output kind, replaces -S
//   │   ├── --no-filter            # keep .cfi_ / .loh directives
//   │   ├── --out-dir              # write <target key> files instead of stdout
//   │   ├── --name                 # file name for a buffer read from stdin
//   │   └── --server               # send to a running daemon over gRPC
//   ├── serve                      # Editor daemon (gRPC + metrics HTTP)
//   │   └── --port
//   ├── config                     # Print the effective configuration
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --debug                    # Debug logging
//
// Configuration:
//   Without an explicit --config, a missing default file means built-in
//   defaults. An explicit --config that cannot be read makes compile a no-op,
//   the same as an editor with unavailable settings.
//
// Signal Handling:
//   SIGINT / SIGTERM terminate running compiles and close every output
//   before the process exits.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/compile-asm/internal/config"
	"github.com/ChuLiYu/compile-asm/internal/controller"
	"github.com/ChuLiYu/compile-asm/internal/httpapi"
	"github.com/ChuLiYu/compile-asm/internal/invocation"
	"github.com/ChuLiYu/compile-asm/internal/logger"
	"github.com/ChuLiYu/compile-asm/internal/metrics"
	"github.com/ChuLiYu/compile-asm/internal/server"
	"github.com/ChuLiYu/compile-asm/internal/sink"
)

var (
	configFile string
	debug      bool
	log        = slog.Default()
)

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "compile-asm",
		Short: "compile-asm: stream compiler assembly output for a source buffer",
		Long: `compile-asm pipes a source buffer through clang and streams the
assembly back as it is produced:
- one live compile per output target, newer compiles supersede older ones
- .cfi_ / .loh directive stripping
- gRPC daemon for editor plugins, Prometheus metrics`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				cfg = config.Default()
			}
			log = logger.Init(logger.Options{
				Level:   cfg.Log.Level,
				Debug:   debug,
				NoColor: cfg.Log.NoColor,
				Output:  cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(buildCompileCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

// settingsLoader re-reads the config file for every compile. A missing
// default file falls back to built-in defaults.
func settingsLoader(cmd *cobra.Command) config.Loader {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			return config.Static(config.Default())
		}
	}
	return config.FileLoader(configFile)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return settingsLoader(cmd)()
}

// ============================================================================
// compile
// ============================================================================

type compileFlags struct {
	arch      string
	sdk       string
	deviceOS  string
	extraArgs []string
	emit      string
	noFilter  bool
	outDir    string
	name      string
	server    string
}

func buildCompileCommand() *cobra.Command {
	var f compileFlags

	cmd := &cobra.Command{
		Use:   "compile [file]",
		Short: "Compile a source file and print its assembly",
		Long:  "Compile a file, or stdin when the file is '-' or absent, and stream the assembly to stdout or --out-dir.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			src, err := readSource(cmd.InOrStdin(), path, f.name)
			if err != nil {
				return err
			}
			req := buildCompileRequest(src, f)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if f.server != "" {
				return compileRemote(ctx, cmd.OutOrStdout(), f.server, req)
			}
			return compileLocal(ctx, cmd, f.outDir, req)
		},
	}

	cmd.Flags().StringVar(&f.arch, "arch", "arm64", "target architecture (llvm emits LLVM IR)")
	cmd.Flags().StringVar(&f.sdk, "sdk", "", "xcrun SDK, e.g. iphoneos")
	cmd.Flags().StringVar(&f.deviceOS, "device-os", "", "device OS for -target, e.g. ios (requires --sdk)")
	cmd.Flags().StringArrayVar(&f.extraArgs, "extra-arg", nil, "extra compiler argument (repeatable)")
	cmd.Flags().StringVar(&f.emit, "emit", "", "output kind replacing -S, e.g. \"-emit-llvm -S\"")
	cmd.Flags().BoolVar(&f.noFilter, "no-filter", false, "keep .cfi_ and .loh directives")
	cmd.Flags().StringVar(&f.outDir, "out-dir", "", "write output to <dir>/<target key> instead of stdout")
	cmd.Flags().StringVar(&f.name, "name", "", "file name used for a buffer read from stdin")
	cmd.Flags().StringVar(&f.server, "server", "", "daemon address (e.g. localhost:50051); compile remotely")

	return cmd
}

// readSource reads path, or stdin for "-".
func readSource(stdin io.Reader, path, name string) (invocation.Source, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return invocation.Source{}, fmt.Errorf("failed to read stdin: %w", err)
		}
		return invocation.Source{Name: name, Text: string(data)}, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return invocation.Source{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return invocation.Source{}, fmt.Errorf("failed to read source: %w", err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	return invocation.Source{Name: name, Dir: filepath.Dir(abs), Text: string(data)}, nil
}

func buildCompileRequest(src invocation.Source, f compileFlags) controller.CompileRequest {
	return controller.CompileRequest{
		Source: src,
		Options: invocation.Options{
			Arch:       f.arch,
			SDK:        f.sdk,
			DeviceOS:   f.deviceOS,
			ExtraArgs:  f.extraArgs,
			OutputKind: strings.Fields(f.emit),
		},
		NoFilter: f.noFilter,
	}
}

func compileLocal(ctx context.Context, cmd *cobra.Command, outDir string, req controller.CompileRequest) error {
	factory := sink.WriterFactory(cmd.OutOrStdout())
	if outDir != "" {
		factory = sink.FileFactory(outDir)
	}

	ctrl := controller.NewController(controller.Config{
		Settings: settingsLoader(cmd),
		Sinks:    factory,
		Logger:   log,
	})
	defer ctrl.Stop()

	job, err := ctrl.Compile(ctx, req)
	if err != nil {
		return err
	}
	if job == nil {
		log.Warn("Settings unavailable, nothing compiled", "config", configFile)
		return nil
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		log.Info("Interrupted, terminating compile", "target", job.TargetKey())
	}

	if outDir != "" {
		log.Info("Output written", "path", filepath.Join(outDir, string(job.TargetKey())))
	}
	return nil
}

func compileRemote(ctx context.Context, out io.Writer, addr string, req controller.CompileRequest) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	msg, err := server.EncodeRequest(req)
	if err != nil {
		return err
	}
	stream, err := server.NewClient(conn).Compile(ctx, msg)
	if err != nil {
		return fmt.Errorf("compile request failed: %w", err)
	}

	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("compile stream failed: %w", err)
		}
		if _, err := io.WriteString(out, frag.GetValue()); err != nil {
			return err
		}
	}
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the editor daemon",
		Long:  "Serve the gRPC compile service for editor plugins, plus /metrics, /healthz and /jobs over HTTP when metrics are enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if port != 0 {
				cfg.Server.GRPCPort = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, settingsLoader(cmd))
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (default from config, 50051)")
	return cmd
}

// runServe blocks until ctx is cancelled or a listener fails.
func runServe(ctx context.Context, cfg *config.Config, settings config.Loader) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctrl := controller.NewController(controller.Config{
		Settings: settings,
		Sinks:    sink.FanoutFactory(),
		Metrics:  metrics.NewCollector(reg),
		Logger:   log,
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer()
	server.RegisterCompileServiceServer(grpcServer, server.NewServer(ctrl, log))

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           httpapi.Server{Jobs: ctrl.Jobs(), Gatherer: reg, Logger: log}.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	if httpServer != nil {
		g.Go(func() error {
			log.Info("Metrics server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		// ending the jobs ends their streams, so GracefulStop can return
		ctrl.Stop()
		grpcServer.GracefulStop()
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	log.Info("Stopped")
	return nil
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
