package startup

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"sasi-cats/internal/logging"
	"sasi-cats/internal/memory"
	"sasi-cats/internal/transcoder"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// ErrConflictingWorkflows is returned when more than one workflow flag is set.
var ErrConflictingWorkflows = errors.New("-cpu and -AppleS are mutually exclusive")

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// Config holds all application configuration
type Config struct {
	MediaDir       string
	CacheDir       string
	Port           string
	MetricsPort    string
	MetricsEnabled bool
	PublicURL      string

	// Pipeline
	Workflow        transcoder.Workflow
	Fresh           bool
	MaxJobDuration  time.Duration
	TailPoll        time.Duration
	ThousandsColors bool
	Fragmented      bool
	FFmpegPath      string
	FFprobePath     string

	// Status mirror
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatusTTL     time.Duration

	LogStreamRequests bool
	LogHealthChecks   bool
}

// Profile returns the output profile with configured overrides applied.
func (c *Config) Profile() transcoder.Profile {
	p := transcoder.LegacyProfile()
	p.ThousandsColors = c.ThousandsColors
	p.Fragmented = c.Fragmented
	return p
}

// flags are the command line switches. The spellings match the scripts
// people already run the server with.
type flags struct {
	cpu      bool
	apple    bool
	fresh    bool
	mediaDir string
}

func parseFlags(args []string, output io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("sasi-cats", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.BoolVar(&f.cpu, "cpu", false, "use the CPU-only workflow")
	fs.BoolVar(&f.apple, "AppleS", false, "use the VideoToolbox workflow (Apple Silicon)")
	fs.BoolVar(&f.fresh, "fresh", false, "wipe the cache before serving")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sasi-cats [-cpu | -AppleS] [-fresh] [media-dir]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.cpu && f.apple {
		return f, ErrConflictingWorkflows
	}
	if fs.NArg() > 1 {
		return f, fmt.Errorf("expected at most one media directory, got %d arguments", fs.NArg())
	}
	f.mediaDir = fs.Arg(0)
	return f, nil
}

func (f flags) workflow() transcoder.Workflow {
	switch {
	case f.cpu:
		return transcoder.WorkflowCPU
	case f.apple:
		return transcoder.WorkflowVideoToolbox
	default:
		return transcoder.WorkflowCUDA
	}
}

// LoadConfig loads .env, parses args and reads the environment.
func LoadConfig(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Failed to load .env: %v", err)
	}

	f, err := parseFlags(args, os.Stderr)
	if err != nil {
		return nil, err
	}

	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	mediaDir := getEnv("MEDIA_DIR", "/media")
	if f.mediaDir != "" {
		mediaDir = f.mediaDir
	}
	cacheDir := getEnv("CACHE_DIR", filepath.Join(mediaDir, "_sasi_cache"))

	config := &Config{
		MediaDir:          mediaDir,
		CacheDir:          cacheDir,
		Port:              getEnv("PORT", "8000"),
		MetricsPort:       getEnv("METRICS_PORT", "9090"),
		MetricsEnabled:    getEnvBool("METRICS_ENABLED", true),
		PublicURL:         getEnv("PUBLIC_URL", ""),
		Workflow:          f.workflow(),
		Fresh:             f.fresh,
		MaxJobDuration:    getEnvDuration("MAX_JOB_DURATION", 2*time.Hour),
		TailPoll:          getEnvDuration("TAIL_POLL", time.Second),
		ThousandsColors:   getEnvBool("THOUSANDS_COLORS", true),
		Fragmented:        getEnvBool("FRAGMENTED_OUTPUT", false),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		StatusTTL:         getEnvDuration("STATUS_TTL", time.Hour),
		LogStreamRequests: getEnvBool("LOG_STREAM_REQUESTS", false),
		LogHealthChecks:   getEnvBool("LOG_HEALTH_CHECKS", false),
	}

	redis := "DISABLED"
	if config.RedisAddr != "" {
		redis = fmt.Sprintf("%s (db %d)", config.RedisAddr, config.RedisDB)
	}

	logging.Info("  MEDIA_DIR:           %s", config.MediaDir)
	logging.Info("  CACHE_DIR:           %s", config.CacheDir)
	logging.Info("  PORT:                %s", config.Port)
	logging.Info("  METRICS_PORT:        %s", config.MetricsPort)
	logging.Info("  METRICS_ENABLED:     %v", config.MetricsEnabled)
	logging.Info("  PUBLIC_URL:          %s", orDefault(config.PublicURL, "(request host)"))
	logging.Info("  WORKFLOW:            %s", config.Workflow)
	logging.Info("  FRESH:               %v", config.Fresh)
	logging.Info("  TRANSCODE_SLOTS:     %s", orDefault(os.Getenv("TRANSCODE_SLOTS"), "auto"))
	logging.Info("  MAX_JOB_DURATION:    %v", config.MaxJobDuration)
	logging.Info("  TAIL_POLL:           %v", config.TailPoll)
	logging.Info("  THOUSANDS_COLORS:    %v", config.ThousandsColors)
	logging.Info("  FRAGMENTED_OUTPUT:   %v", config.Fragmented)
	logging.Info("  REDIS_ADDR:          %s", redis)
	logging.Info("  STATUS_TTL:          %v", config.StatusTTL)
	logging.Info("  LOG_STREAM_REQUESTS: %v", config.LogStreamRequests)
	logging.Info("  LOG_HEALTH_CHECKS:   %v", config.LogHealthChecks)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	config.MediaDir, err = filepath.Abs(config.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media directory path: %w", err)
	}
	logging.Info("  Media directory (absolute): %s", config.MediaDir)

	config.CacheDir, err = filepath.Abs(config.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory path: %w", err)
	}
	logging.Info("  Cache directory (absolute): %s", config.CacheDir)

	// The media library must already exist; it is mounted, never created
	info, err := os.Stat(config.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("media directory error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media directory error: %s is not a directory", config.MediaDir)
	}
	logMediaContents(config.MediaDir)

	if err := ensureDirectory(config.CacheDir, "cache"); err != nil {
		return nil, fmt.Errorf("cache directory error: %w", err)
	}

	logging.Debug("  Testing cache directory write access...")
	if err := testWriteAccess(config.CacheDir); err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	logging.Info("  [OK] Cache directory is writable")

	return config, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// LogMemoryConfig logs what memory.ConfigureFromEnv decided
func LogMemoryConfig(result memory.ConfigResult) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("MEMORY CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	switch {
	case !result.Configured:
		logging.Info("  GOMEMLIMIT:      not set (no memory backpressure)")
	case result.Source == "MEMORY_LIMIT":
		logging.Info("  Container limit: %s", memory.FormatBytes(result.ContainerLimit))
		logging.Info("  GOMEMLIMIT:      %s (%.0f%%)", memory.FormatBytes(result.GoMemLimit), result.Ratio*100)
	default:
		logging.Info("  GOMEMLIMIT:      %s (from environment)", memory.FormatBytes(result.GoMemLimit))
	}
}

// LogCacheInit logs cache store initialization
func LogCacheInit(duration time.Duration, entries int, bytes int64) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("CACHE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Cache index reconciled in %v", duration)
	logging.Info("  Artifacts: %d (%s)", entries, memory.FormatBytes(bytes))
}

// LogCacheWiped logs the startup wipe requested with -fresh
func LogCacheWiped(entries int, freed int64) {
	logging.Info("  [OK] Fresh start: removed %d artifact(s), %s freed", entries, memory.FormatBytes(freed))
}

// LogTranscoderInit logs the workflow and checks the ffmpeg binaries
func LogTranscoderInit(config *Config, slots int) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("TRANSCODER INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Workflow: %s", config.Workflow)
	logging.Info("  Profile:  %s", config.Profile().ID())
	logging.Info("  Slots:    %d", slots)

	for _, bin := range []struct{ name, path string }{
		{"FFmpeg", config.FFmpegPath},
		{"FFprobe", config.FFprobePath},
	} {
		if err := checkBinary(bin.path); err != nil {
			logging.Warn("  %s check failed: %v", bin.name, err)
			logging.Warn("  Transcodes will fail until %s is installed", bin.path)
		} else {
			logging.Info("  [OK] %s is available", bin.name)
		}
	}
}

// LogStatusMirror logs whether job status is mirrored to Redis
func LogStatusMirror(enabled bool, addr string) {
	if enabled {
		logging.Info("  [OK] Job status mirrored to Redis at %s", addr)
	} else if addr != "" {
		logging.Warn("  Redis at %s unavailable, job status mirror disabled", addr)
	}
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			// Subrouter prefixes carry no methods
			return nil
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}

		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes dynamically
func LogHTTPRoutes(router *mux.Router, logStreamRequests, logHealthChecks bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		logging.Debug("  Registered routes (%d total):", len(routes))
		logging.Debug("")

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			logging.Debug("  [%s]", group)
			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
			logging.Debug("")
		}
	}

	logging.Info("  HTTP logging enabled")
	if logStreamRequests {
		logging.Info("    Stream request logging: ON")
	} else {
		logging.Info("    Stream request logging: OFF (set LOG_STREAM_REQUESTS=true to enable)")
	}
	if logHealthChecks {
		logging.Info("    Health check logging: ON")
	} else {
		logging.Info("    Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")

	parts := strings.SplitN(path, "/", 2)
	first := parts[0]
	if first == "" {
		return "root"
	}

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}

	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    Application:   http://0.0.0.0:%s", config.Port)
	logging.Info("    Play a file:   http://0.0.0.0:%s/play?path=<file>", config.Port)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
   ____  ___   _____ ____      ______  ___  ______ ____
  / __/ / _ | / __(_) _/____  / ___/ |/ _ |/_  __// __/
 _\ \  / __ |_\ \ _/ //___/ / /__ / __ | / /  _\ \
/___/ /_/ |_/___//___/      \___//_/ |_|/_/  /___/

------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func logMediaContents(path string) {
	if !logging.IsDebugEnabled() {
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	fileCount, dirCount := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			dirCount++
		} else {
			fileCount++
		}
	}
	logging.Debug("    Contents: %d files, %d directories (top level)", fileCount, dirCount)
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

// checkBinary confirms bin runs and logs its version line.
func checkBinary(bin string) error {
	path, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("%s not found in PATH", bin)
	}
	logging.Debug("  %s path: %s", bin, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return fmt.Errorf("failed to get %s version: %w", bin, err)
	}

	if line, _, _ := strings.Cut(string(output), "\n"); line != "" {
		logging.Debug("  %s version: %s", bin, strings.TrimSpace(line))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
