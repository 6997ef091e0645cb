package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/observability"
	"github.com/signalsfoundry/mobility-simulator/internal/observer"
	"github.com/signalsfoundry/mobility-simulator/internal/scenario"
	"github.com/signalsfoundry/mobility-simulator/internal/sim"
	"github.com/signalsfoundry/mobility-simulator/internal/statusapi"
	"github.com/signalsfoundry/mobility-simulator/roads"
)

type options struct {
	scenario      string
	metricsAddr   string
	statusAddr    string
	exportNetwork string
	realtime      float64
	traceLog      bool
	linger        time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.StringVar(&o.scenario, "scenario", "", "path to the YAML scenario file")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	fs.StringVar(&o.statusAddr, "status-addr", "", "TCP address of the gRPC status service (disabled when empty)")
	fs.StringVar(&o.exportNetwork, "export-network", "", "write the road network as GeoJSON to this path")
	fs.Float64Var(&o.realtime, "realtime", 0, "pace the run at this multiple of wall-clock time (0 runs accelerated)")
	fs.BoolVar(&o.traceLog, "trace-log", false, "log every trace row at debug level")
	fs.DurationVar(&o.linger, "linger", 0, "keep the status and metrics servers up this long after the run")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.scenario == "" {
		return o, errors.New("-scenario is required")
	}
	if o.realtime < 0 {
		return o, fmt.Errorf("-realtime must be non-negative, got %v", o.realtime)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	log := logging.NewFromEnv()

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Attributes = map[string]string{"sim.scenario": opts.scenario}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	cfg, err := scenario.LoadFile(opts.scenario)
	if err != nil {
		return err
	}
	if opts.realtime > 0 {
		cfg.Run.RealtimeSpeedup = opts.realtime
	}

	reg := prometheus.NewRegistry()
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	simOpts := []sim.Option{sim.WithMetrics(simMetrics)}
	if opts.traceLog {
		simOpts = append(simOpts, sim.WithObserver(observer.NewLogSink(log)))
	}
	simulation, err := cfg.Build(log, simOpts...)
	if err != nil {
		return err
	}

	if opts.exportNetwork != "" {
		if err := exportNetwork(simulation.Roads, opts.exportNetwork); err != nil {
			return err
		}
		log.Info(ctx, "road network exported", logging.String("path", opts.exportNetwork))
	}

	metricsSrv := serveMetrics(opts.metricsAddr, reg, log)
	var statusSrv *grpc.Server
	if opts.statusAddr != "" {
		lis, err := net.Listen("tcp", opts.statusAddr)
		if err != nil {
			return fmt.Errorf("listen for status service: %w", err)
		}
		statusSrv = serveStatus(lis, simulation.Supervisor, log, rpcMetrics)
	}

	rep, runErr := simulation.Run(ctx)
	printSummary(stdout, rep)

	if opts.linger > 0 && (statusSrv != nil || metricsSrv != nil) {
		log.Info(ctx, "run finished; servers stay up", logging.String("linger", opts.linger.String()))
		select {
		case <-ctx.Done():
		case <-time.After(opts.linger):
		}
	}

	if statusSrv != nil {
		statusSrv.GracefulStop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func exportNetwork(d *roads.Descriptor, path string) error {
	data, err := roads.ExportGeoJSON(d)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write network export: %w", err)
	}
	return nil
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.HandlerFor(gatherer))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func serveStatus(lis net.Listener, src statusapi.Source, log logging.Logger, collector *observability.RPCCollector) *grpc.Server {
	server := statusapi.NewServer(src, log, collector)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(context.Background(), "status server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(context.Background(), "serving simulation status", logging.String("addr", lis.Addr().String()))
	return server
}

func printSummary(w io.Writer, rep sim.Report) {
	fmt.Fprintf(w, "run %s: %s -> %s, %d steps\n", rep.RunID, rep.Start, rep.End, rep.Steps)
	fmt.Fprintf(w, "users: admitted=%d arrived=%d unserved=%d\n", rep.Admitted, rep.Arrived, len(rep.Unserved))
	for _, id := range rep.Unserved {
		fmt.Fprintf(w, "  unserved %s\n", id)
	}
}
