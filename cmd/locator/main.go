// Command locator is the geolocation service's entrypoint: "serve" runs the
// HTTP API and the periodic supervisors, "process" runs one batch-ingestion
// pass, "archive export"/"format-mls" back the offline tooling subcommands,
// and "map" map-matches a GPX track through GraphHopper (it does not export
// the h3 coverage set). Grounded on original_source/src/main.rs's Cli/Command
// dispatch, translated from clap-derive subcommands into a flag.Args()[0]
// switch in the idiom of the teacher's cmd/middleware/main.go, and on
// internal/app/server.Run for the http.Server lifecycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eugenever/locator/internal/archive"
	"github.com/eugenever/locator/internal/cache"
	"github.com/eugenever/locator/internal/config"
	"github.com/eugenever/locator/internal/estimator"
	"github.com/eugenever/locator/internal/gss"
	"github.com/eugenever/locator/internal/httpapi"
	"github.com/eugenever/locator/internal/httpclient"
	"github.com/eugenever/locator/internal/ingest"
	"github.com/eugenever/locator/internal/lbs"
	"github.com/eugenever/locator/internal/lks"
	"github.com/eugenever/locator/internal/logging"
	"github.com/eugenever/locator/internal/model"
	"github.com/eugenever/locator/internal/observability"
	"github.com/eugenever/locator/internal/relstore"
	"github.com/eugenever/locator/internal/routing"
	"github.com/eugenever/locator/internal/supervisor"
	"github.com/eugenever/locator/internal/t38cmd"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: locator [-config path] <serve|process|map|archive|format-mls> ...")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	zl := logging.Build(logging.Config{
		Level:   cfg.Server.LogLevel,
		Console: strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN: envInt("LOG_SAMPLE_N", 0),
	}, os.Stdout)
	appLog := logging.NewSlog(&zl)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	observability.Init(prometheus.DefaultRegisterer, cfg.Server.MetricsEnabled)

	switch args[0] {
	case "serve":
		return cmdServe(ctx, cfg, zl, appLog)
	case "process":
		return cmdProcess(ctx, cfg, appLog)
	case "archive":
		return cmdArchive(ctx, cfg, args[1:])
	case "format-mls":
		return cmdFormatMLS()
	case "map":
		return cmdMap(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return 2
	}
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// wired bundles the shared components every subcommand needs.
type wired struct {
	t38          *t38cmd.Executor
	transmitters *cache.TransmitterCache
	tracks       *cache.TrackCache
	store        *relstore.Store
	estimator    *estimator.Estimator
	ingestor     *ingest.Ingestor
	routing      *routing.Client
}

func wireCommon(ctx context.Context, cfg config.Config) (*wired, error) {
	instances := make([]gss.Node, 0, len(cfg.T38.Instances))
	for _, i := range cfg.T38.Instances {
		instances = append(instances, gss.Node{Host: i.Host, Port: i.Port})
	}
	sup, err := gss.New(ctx, instances, "t38_config.json")
	if err != nil {
		return nil, fmt.Errorf("gss: %w", err)
	}
	exec := t38cmd.New(sup)
	transmitters := cache.NewTransmitterCache(exec)
	tracks := cache.NewTrackCache(exec)

	creds := config.LoadDatabaseCredentials()
	store, err := relstore.Open(ctx, cfg, creds)
	if err != nil {
		return nil, fmt.Errorf("relstore: %w", err)
	}

	httpClient := httpclient.NewOutbound()

	// The scheduler's hourly reactivation probe calls back into the very
	// client it schedules keys for, so each client is built key-scheduler-less
	// first and used as the Prober that creates its own scheduler.
	var primary, crossCheck *lbs.Client
	if cfg.YandexLBS.Enabled {
		primary = lbs.New(httpClient, cfg.YandexLBS.URL, "yandex", nil)
		primary.Keys = lks.New(ctx, cfg.YandexLBS.APIKeys, primary)
	}
	if cfg.AlterGeoLBS.Enabled {
		crossCheck = lbs.New(httpClient, cfg.AlterGeoLBS.URL, "altergeo", nil)
		crossCheck.Keys = lks.New(ctx, []string{cfg.AlterGeoLBS.APIKey}, crossCheck)
	}

	est := estimator.New(transmitters, primary, crossCheck, estimator.Params{
		MaxDistanceInCluster: cfg.Locator.MaxDistanceInCluster,
		MaxDistanceCell:      cfg.Locator.MaxDistanceCell,
		ValidRadiusMeters:    cfg.Locator.RadiusWifiDetection,
		LBSClusterMeters:     cfg.YandexLBS.MaxDistanceInCluster,
		H3Resolution:         cfg.Locator.H3Resolution,
	})

	ig := ingest.New(transmitters, ingest.Rules{
		LAAFilter:           cfg.Locator.LAAFilter,
		MaxAgeMillis:        ingest.DefaultRules.MaxAgeMillis,
		MaxGNSSAccuracyM:    ingest.DefaultRules.MaxGNSSAccuracyM,
		DeadReckoningMaxAge: ingest.DefaultRules.DeadReckoningMaxAge,
		MaxDistanceCluster:  cfg.YandexLBS.MaxDistanceInCluster,
	}).WithLBS(primary, crossCheck).WithTrackingAndCoverage(tracks, store, cfg.Locator.H3Resolution)

	var rt *routing.Client
	if cfg.GraphHopper.Host != "" {
		rt = routing.New(httpClient, cfg.GraphHopper.Host, cfg.GraphHopper.Port,
			cfg.GraphHopper.Admin.Host, cfg.GraphHopper.Admin.Port).
			WithMatchConcurrency(cfg.GraphHopper.RateLimitMatching)
	}

	return &wired{t38: exec, transmitters: transmitters, tracks: tracks, store: store, estimator: est, ingestor: ig, routing: rt}, nil
}

func cmdServe(ctx context.Context, cfg config.Config, zl zerolog.Logger, appLog *slog.Logger) int {
	w, err := wireCommon(ctx, cfg)
	if err != nil {
		appLog.Error("wiring failed", "err", err)
		return 1
	}
	defer w.store.Close()

	srv := &httpapi.Server{
		Estimator:           w.estimator,
		Ingestor:            w.ingestor,
		Store:               w.store,
		Routing:             w.routing,
		ProcessReportOnline: cfg.Locator.ProcessReportOnline,
		MaxPayloadBytes:     int64(cfg.Server.MaxPayloadMB) << 20,
	}

	var ghGC func(context.Context) error
	if w.routing != nil {
		ghGC = w.routing.GC
	}
	sv := supervisor.New(supervisor.Config{
		GCFrequencySeconds:            derefOr(cfg.T38.GCFrequency, 0),
		AOFShrinkFrequencySeconds:     derefOr(cfg.T38.AOFShrinkFrequency, 0),
		HealthzFrequencySeconds:       derefOr(cfg.T38.HealthzFrequency, 0),
		PartitionFrequencySeconds:     3600,
		ReportKeepDays:                cfg.Database.ReportKeepDays,
		GraphHopperGCFrequencySeconds: derefOr(cfg.GraphHopper.Admin.GCFrequency, 0),
	}, w.t38, w.store, ghGC, zl)
	go sv.Run(ctx)

	router := httpapi.NewRouter(srv, appLog, cfg.Server.CredentialTokens)
	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	appLog.Info("starting locator", "addr", addr, "version", Version)
	return serveHTTP(ctx, addr, router, appLog)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, appLog *slog.Logger) int {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return 0
	case err := <-errCh:
		appLog.Error("http server failed", "err", err)
		return 1
	}
}

// cmdProcess runs one batch-ingestion pass (spec.md §4.7 "Batch mode"):
// pull up to 10000 unprocessed reports newer than
// database.report_number_days_search days, decode and fold each through
// the ingestor, and mark every row processed, recording per-report failures
// in processing_err rather than aborting the whole batch (spec.md §7: "a
// single report's failure is logged and its processing_error field is
// set; the transaction continues with other reports").
func cmdProcess(ctx context.Context, cfg config.Config, appLog *slog.Logger) int {
	w, err := wireCommon(ctx, cfg)
	if err != nil {
		appLog.Error("wiring failed", "err", err)
		return 1
	}
	defer w.store.Close()

	reports, err := w.store.PendingReports(ctx, cfg.Database.ReportNumberDaysSearch, 10000)
	if err != nil {
		appLog.Error("pending reports", "err", err)
		return 1
	}
	appLog.Info("processing reports", "count", len(reports))

	var okIDs, failIDs []int64
	var failErrs []string
	modified := 0
	for _, r := range reports {
		var sub model.Submission
		if err := json.Unmarshal(r.Raw, &sub); err != nil {
			failIDs = append(failIDs, r.ID)
			failErrs = append(failErrs, err.Error())
			continue
		}
		n, err := w.ingestor.Process(ctx, sub)
		if err != nil {
			failIDs = append(failIDs, r.ID)
			failErrs = append(failErrs, err.Error())
			continue
		}
		modified += n
		okIDs = append(okIDs, r.ID)
	}

	if len(okIDs) > 0 {
		if err := w.store.MarkProcessed(ctx, okIDs, nil); err != nil {
			appLog.Error("mark processed", "err", err)
			return 1
		}
	}
	for i, id := range failIDs {
		procErr := failErrs[i]
		if err := w.store.MarkProcessed(ctx, []int64{id}, &procErr); err != nil {
			appLog.Error("mark failed reports", "err", err)
			return 1
		}
	}
	appLog.Info("batch complete", "ok", len(okIDs), "failed", len(failIDs), "modified", modified)
	return 0
}

// cmdArchive writes the unprocessed reports created within the last
// database.report_number_days_search days (at most 100000) to stdout as
// JSONL; processed and older reports are not exported.
func cmdArchive(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) == 0 || args[0] != "export" {
		fmt.Fprintln(os.Stderr, "usage: locator archive export")
		return 2
	}
	w, err := wireCommon(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wiring failed:", err)
		return 1
	}
	defer w.store.Close()

	reports, err := w.store.PendingReports(ctx, cfg.Database.ReportNumberDaysSearch, 100000)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pending reports:", err)
		return 1
	}
	if err := archive.ExportReportsJSONL(os.Stdout, reports); err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		return 1
	}
	return 0
}

func cmdFormatMLS() int {
	if err := archive.FormatMLS(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "format-mls:", err)
		return 1
	}
	return 0
}

func cmdMap(ctx context.Context, cfg config.Config, args []string) int {
	w, err := wireCommon(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wiring failed:", err)
		return 1
	}
	defer w.store.Close()

	if w.routing == nil {
		fmt.Fprintln(os.Stderr, "graphhopper is not configured")
		return 1
	}

	var gpx []byte
	if len(args) > 0 {
		gpx, err = os.ReadFile(args[0])
	} else {
		gpx, err = readAllStdin()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "read gpx:", err)
		return 1
	}

	matched, err := w.routing.MatchGPX(ctx, gpx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "match:", err)
		return 1
	}
	os.Stdout.Write(matched)
	return 0
}

func readAllStdin() ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
