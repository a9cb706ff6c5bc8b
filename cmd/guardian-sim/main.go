// Package main is the flood simulator: it plays built-in scenarios or a
// capture file through the full detection and response chain and prints
// what was mitigated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/dispatch"
	"nettrace-guardian/internal/ingest"
	"nettrace-guardian/internal/logging"
	"nettrace-guardian/internal/netif"
	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
)

func main() {
	var (
		scenario   string
		realtime   bool
		pcapPath   string
		speed      float64
		interfaces bool
		logLevel   string
		jsonOut    bool
	)

	flag.StringVar(&scenario, "scenario", "all", "Scenario to run: "+strings.Join(ingest.ScenarioNames(), ", ")+" or all")
	flag.BoolVar(&realtime, "realtime", false, "Sleep between packets and use wall-clock arrival times")
	flag.StringVar(&pcapPath, "pcap", "", "Replay a pcap or pcapng file instead of a scenario")
	flag.Float64Var(&speed, "speed", 0, "Pace pcap replay at this multiple of capture speed (0 = as fast as possible)")
	flag.BoolVar(&interfaces, "interfaces", false, "List network interfaces with I/O counters and exit")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&jsonOut, "json", false, "Print the summary as JSON")
	flag.Parse()

	logger, err := logging.New(os.Stderr, logging.Options{Level: logLevel, Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interfaces {
		os.Exit(listInterfaces(ctx, jsonOut))
	}

	os.Exit(simulate(ctx, logger, scenario, realtime, pcapPath, speed, jsonOut))
}

// demoConfig trips quickly on the built-in scenarios.
func demoConfig() detection.Config {
	return detection.Config{
		Thresholds: []detection.ThresholdConfig{
			{PacketType: schema.PacketSYN, Scope: schema.ScopeSource, MaxRatePerSecond: 5, Window: time.Second},
			{PacketType: schema.PacketUDP, Scope: schema.ScopeSource, MaxRatePerSecond: 10, Window: time.Second},
			{PacketType: schema.PacketICMP, Scope: schema.ScopeSource, MaxRatePerSecond: 10, Window: time.Second},
			{PacketType: schema.PacketSYN, Scope: schema.ScopeAggregate, MaxRatePerSecond: 8, Window: time.Second},
		},
		RecoveryWindow: time.Second,
		IdleTTL:        time.Minute,
		SweepInterval:  5 * time.Second,
	}
}

// summary is what a run prints.
type summary struct {
	Runs        []any                     `json:"runs"`
	Engine      detection.Stats           `json:"engine"`
	Pipeline    response.Stats            `json:"pipeline"`
	Dropped     uint64                    `json:"events_dropped"`
	Mitigations []schema.MitigationRecord `json:"mitigations"`
}

func simulate(ctx context.Context, logger *slog.Logger, scenario string, realtime bool, pcapPath string, speed float64, jsonOut bool) int {
	sinks := []response.DirectiveSink{response.NewLogSink(logger)}
	rateLimit, err := response.NewDirectiveHandler(response.DirectiveConfig{
		Kind: response.KindRateLimit, TTL: 5 * time.Minute, LimitFactor: 0.5,
	}, sinks, response.WithDirectiveLogger(logger))
	if err != nil {
		logger.Error("rate_limit handler", "error", err)
		return 1
	}
	block, err := response.NewDirectiveHandler(response.DirectiveConfig{
		Kind: response.KindBlock, TTL: 15 * time.Minute,
	}, sinks, response.WithDirectiveLogger(logger))
	if err != nil {
		logger.Error("block handler", "error", err)
		return 1
	}

	pipeline, err := response.NewPipeline(response.DefaultPipelineConfig(),
		[]response.Handler{response.NewLogHandler(logger), rateLimit, block},
		response.WithLogger(logger),
	)
	if err != nil {
		logger.Error("pipeline", "error", err)
		return 1
	}

	dispatcher, err := dispatch.New(dispatch.DefaultConfig(), pipeline, dispatch.WithLogger(logger))
	if err != nil {
		logger.Error("dispatcher", "error", err)
		return 1
	}
	dispatcher.Start(ctx)

	engine, err := detection.NewEngine(demoConfig(), dispatcher, detection.WithLogger(logger))
	if err != nil {
		logger.Error("engine", "error", err)
		return 1
	}

	var out summary
	status := 0

	if pcapPath != "" {
		var opts []ingest.ReplayOption
		opts = append(opts, ingest.WithReplayLogger(logger))
		if speed > 0 {
			opts = append(opts, ingest.WithPacing(speed))
		}
		stats, err := ingest.NewPcapReplayer(engine, opts...).ReplayFile(ctx, pcapPath)
		if err != nil {
			logger.Error("replay failed", "file", pcapPath, "error", err)
			status = 1
		}
		out.Runs = append(out.Runs, stats)
	} else {
		names := []string{scenario}
		if scenario == "all" {
			names = ingest.ScenarioNames()
		}

		var simOpts []ingest.SimulatorOption
		simOpts = append(simOpts, ingest.WithSimulatorLogger(logger))
		if realtime {
			simOpts = append(simOpts, ingest.WithRealtime())
		}
		sim := ingest.NewSimulator(engine, simOpts...)

		for _, name := range names {
			sc, ok := ingest.LookupScenario(name)
			if !ok {
				fmt.Fprintf(os.Stderr, "unknown scenario %q (available: %s)\n", name, strings.Join(ingest.ScenarioNames(), ", "))
				status = 2
				break
			}
			res, err := sim.Run(ctx, sc)
			out.Runs = append(out.Runs, res)
			if err != nil {
				logger.Error("scenario interrupted", "scenario", name, "error", err)
				status = 1
				break
			}
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dispatcher.Stop(drainCtx); err != nil {
		logger.Warn("dispatch queue not fully drained", "error", err)
	}

	out.Engine = engine.Stats()
	out.Pipeline = pipeline.Stats()
	out.Dropped = dispatcher.Metrics().Dropped
	out.Mitigations = pipeline.Records()

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return status
	}
	printSummary(out)
	return status
}

func printSummary(s summary) {
	fmt.Printf("Packets processed: %d  rejected: %d  alerts: %d  recoveries: %d\n",
		s.Engine.Processed, s.Engine.Rejected, s.Engine.Alerts, s.Engine.Recoveries)
	fmt.Printf("Responses dispatched: %d  suppressed: %d  handler errors: %d  events dropped: %d\n\n",
		s.Pipeline.Dispatched, s.Pipeline.Suppressed, s.Pipeline.HandlerErrors, s.Dropped)

	if len(s.Mitigations) == 0 {
		fmt.Println("No active mitigations.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTACK\tSOURCE\tACTIONS\tSUPPRESSED\tLAST ACTION")
	for _, m := range s.Mitigations {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			m.AttackType, m.SourceIP, m.Actions, m.Suppressed, m.LastActionTime.Format(time.RFC3339))
	}
	w.Flush()
}

func listInterfaces(ctx context.Context, jsonOut bool) int {
	insp := netif.NewInspector()
	ifaces, err := insp.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(ifaces)
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tMTU\tFLAGS\tADDRESSES\tRX PKTS\tTX PKTS\tDROPS")
	for _, ifc := range ifaces {
		var rx, tx, drops uint64
		if c := ifc.Counters; c != nil {
			rx, tx, drops = c.PacketsRecv, c.PacketsSent, c.DropIn+c.DropOut
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%d\t%d\n",
			ifc.Index, ifc.Name, ifc.MTU, strings.Join(ifc.Flags, ","), strings.Join(ifc.Addrs, ","), rx, tx, drops)
	}
	w.Flush()

	if host, err := insp.Host(ctx); err == nil {
		fmt.Printf("\nHost CPU: %.1f%%  memory: %.1f%%\n", host.CPUPercent, host.MemoryPercent)
	}
	return 0
}
