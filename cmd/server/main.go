package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"

	"github.com/virtualspecs/tryon-web/internal/cfg"
	"github.com/virtualspecs/tryon-web/internal/csrf"
	"github.com/virtualspecs/tryon-web/internal/httpmw"
	"github.com/virtualspecs/tryon-web/internal/opshttp"
	"github.com/virtualspecs/tryon-web/internal/probe"
	"github.com/virtualspecs/tryon-web/internal/ratelimit"
	"github.com/virtualspecs/tryon-web/internal/sanitize"
	"github.com/virtualspecs/tryon-web/internal/secevent"
	"github.com/virtualspecs/tryon-web/internal/session"
	"github.com/virtualspecs/tryon-web/internal/tryonhttp"
	"github.com/virtualspecs/tryon-web/internal/upload"

	"github.com/virtualspecs/tryon-web/internal/httpserver"
	"github.com/virtualspecs/tryon-web/internal/log"
	"github.com/virtualspecs/tryon-web/internal/metrics"
	"github.com/virtualspecs/tryon-web/internal/otelx"
	"github.com/virtualspecs/tryon-web/internal/prof"
	v "github.com/virtualspecs/tryon-web/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix TRYON_ and validate
	cfg.FillFromEnv(flag.CommandLine, "TRYON_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         v.Version,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"trusted_hops", conf.TrustedHops,
		"upload_dir", conf.UploadDir,
		"upload_max_bytes", conf.UploadMaxBytes,
		"upload_s3_bucket", conf.UploadS3Bucket,
		"upload_s3_prefix", conf.UploadS3Prefix,
		"session_ttl_minutes", conf.SessionTTLMinutes,
		"event_rate_limit", conf.EventRateLimit,
		"event_rate_window", conf.EventRateWindow,
		"flood_rate_per_sec", conf.FloodRatePerSec,
		"flood_burst", conf.FloodBurst,
	)

	// Setup metrics early so later components can hang counters on it
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// security event recorder, counted in prometheus and optionally
	// forwarded to a webhook
	events := secevent.NewRecorder(L,
		secevent.WithWebhook(conf.SecurityWebhook),
		secevent.WithOnRecord(m.IncSecurityEvent),
	)

	// sanitizer records every dangerous pattern it neutralizes
	sanitizer := sanitize.New(func(ctx context.Context, patternClass string) {
		events.Record(ctx, secevent.Event{
			Type:      secevent.TypeDangerousPattern,
			Detail:    patternClass,
			ClientIP:  httpmw.ClientIPFromContext(ctx),
			RequestID: httpmw.RequestIDFromContext(ctx),
		})
	})

	validator := upload.NewValidator(
		upload.WithMaxBytes(conf.UploadMaxBytes),
		upload.WithOnInvalidImage(func(ctx context.Context, detail string) {
			events.Record(ctx, secevent.Event{
				Type:      secevent.TypeInvalidImage,
				Detail:    detail,
				ClientIP:  httpmw.ClientIPFromContext(ctx),
				RequestID: httpmw.RequestIDFromContext(ctx),
			})
		}),
	)

	// uploads go to S3 when a bucket is configured, local disk otherwise
	var store upload.Store
	if conf.UploadS3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		store = upload.NewS3Store(s3.NewFromConfig(awsCfg), conf.UploadS3Bucket, conf.UploadS3Prefix)
		L.Info(ctx, "uploads stored in S3", "bucket", conf.UploadS3Bucket, "prefix", conf.UploadS3Prefix)
	} else {
		diskStore, err := upload.NewDiskStore(conf.UploadDir, L)
		if err != nil {
			L.Error(ctx, err, "failed to create upload directory", "upload_dir", conf.UploadDir)
			os.Exit(1)
		}
		store = diskStore
		L.Info(ctx, "uploads stored on disk", "upload_dir", conf.UploadDir)
	}

	sessions := session.NewMemoryStore(ctx,
		session.WithTTL(time.Duration(conf.SessionTTLMinutes)*time.Minute),
	)
	go reportSessions(ctx, sessions, m)

	eventWindow := time.Duration(conf.EventRateWindow) * time.Second

	// Setup the per-route sliding window limiter
	window := ratelimit.NewWindow(ctx, eventWindow,
		// increment prometheus counter on each denied request
		ratelimit.WithWindowOnDenied(func(key string) {
			m.IncRateLimitDenied(routeOfKey(key))
		}),
		// only log and record once per key each time it is denied, until swept
		ratelimit.WithWindowOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "key", key)
			events.Record(ctx, secevent.Event{
				Type:     secevent.TypeRateLimited,
				Detail:   routeOfKey(key),
				ClientIP: ipOfKey(key),
			})
		}),
	)

	// coarse per-IP guard applied ahead of routing
	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithFloodRate(conf.FloodRatePerSec, conf.FloodBurst),
		ratelimit.WithFloodOnDenied(func(ip string) {
			m.IncFloodDenied()
		}),
		ratelimit.WithFloodOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood guard triggered", "ip", ip)
		}),
	)

	api := tryonhttp.NewAPI(validator, store, sanitizer, events, L,
		tryonhttp.WithUploadMetric(m.IncUpload),
	)

	guards := tryonhttp.RouteGuards{
		CSRF: csrf.Protect(func(r *http.Request) {
			m.IncCSRFRejected()
			events.Record(r.Context(), secevent.Event{
				Type:      secevent.TypeCSRFFailure,
				Detail:    r.Method + " " + r.URL.Path,
				ClientIP:  httpmw.ClientIPFromContext(r.Context()),
				RequestID: httpmw.RequestIDFromContext(r.Context()),
			})
		}),
		EventRate: window.Route(conf.EventRateLimit, eventWindow),
	}

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// start tryon http server
	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		FloodMW:      flood.Middleware,
		Health:       probe.Static(true, ""),
		Readiness:    gate.Probe(),
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Sessions:     sessions,
		APIRoutes: func(r chi.Router) {
			api.RegisterRoutes(r, guards)
		},
		NotFound:     tryonhttp.NotFound,
		MaxBodyBytes: conf.UploadMaxBytes + 1<<20,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      probe.Static(true, ""),
		Readiness:   gate.Probe(),
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSig()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// allow in-flight requests to finish and the load balancer to notice
	// the failing readiness probe before closing listeners
	L.Info(context.Background(), "sleeping 30s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// reportSessions keeps the active-session gauge current.
func reportSessions(ctx context.Context, st *session.MemoryStore, m *metrics.ServerMetrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetSessionsActive(st.Len())
		}
	}
}

// Sliding-window keys are "ip|route". The helpers split them back out
// for metric labels and event details.
func routeOfKey(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func ipOfKey(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return ""
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
