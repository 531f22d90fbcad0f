package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/virtualspecs/tryon-web/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	UploadDir      string
	UploadMaxBytes int64
	UploadS3Bucket string
	UploadS3Prefix string

	SessionTTLMinutes int

	EventRateLimit   int
	EventRateWindow  int
	FloodRatePerSec  float64
	FloodBurst       int
	SecurityWebhook  string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxies in front of the server (0 = X-Forwarded-For ignored)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.UploadDir, "upload-dir", "static/uploads", "directory for persisted uploads")
	fs.Int64Var(&c.UploadMaxBytes, "upload-max-bytes", 16<<20, "upload size ceiling in bytes")
	fs.StringVar(&c.UploadS3Bucket, "upload-s3-bucket", "", "if set, persist uploads to this S3 bucket instead of upload-dir")
	fs.StringVar(&c.UploadS3Prefix, "upload-s3-prefix", "uploads", "s3 key prefix for persisted uploads")
	fs.IntVar(&c.SessionTTLMinutes, "session-ttl-minutes", 60, "session idle timeout in minutes")
	fs.IntVar(&c.EventRateLimit, "event-rate-limit", 10, "max security-event reports per client per window")
	fs.IntVar(&c.EventRateWindow, "event-rate-window", 60, "security-event rate window in seconds")
	fs.Float64Var(&c.FloodRatePerSec, "flood-rate", 10, "per-ip flood guard refill rate (req/sec)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 30, "per-ip flood guard burst ceiling")
	fs.StringVar(&c.SecurityWebhook, "security-webhook", "", "optional monitoring sink URL for security events (best effort)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Uploads
	if c.UploadDir == "" && c.UploadS3Bucket == "" {
		errs = append(errs, errors.New("UPLOAD_DIR required when no UPLOAD_S3_BUCKET is set"))
	}
	if c.UploadMaxBytes < 1 {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_BYTES must be positive (got %d)", c.UploadMaxBytes))
	}

	// Sessions and rate limits
	if c.SessionTTLMinutes < 1 {
		errs = append(errs, fmt.Errorf("SESSION_TTL_MINUTES must be >= 1 (got %d)", c.SessionTTLMinutes))
	}
	if c.EventRateLimit < 1 {
		errs = append(errs, fmt.Errorf("EVENT_RATE_LIMIT must be >= 1 (got %d)", c.EventRateLimit))
	}
	if c.EventRateWindow < 1 {
		errs = append(errs, fmt.Errorf("EVENT_RATE_WINDOW must be >= 1 (got %d)", c.EventRateWindow))
	}
	if c.FloodRatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("FLOOD_RATE must be positive (got %f)", c.FloodRatePerSec))
	}
	if c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_BURST must be >= 1 (got %d)", c.FloodBurst))
	}

	// Security webhook
	if c.SecurityWebhook != "" {
		if u, err := url.Parse(c.SecurityWebhook); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("SECURITY_WEBHOOK must be a URL (got %q)", c.SecurityWebhook))
		}
	}

	return errors.Join(errs...)
}
