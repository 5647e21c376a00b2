package config

import (
	"flag"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// ServerConfig holds configuration for the upload server binary.
type ServerConfig struct {
	Addr     string
	StoreDir string
	LogLevel string
}

// ClientConfig holds configuration for the uploader binary.
type ClientConfig struct {
	URL             string
	Method          string
	LogLevel        string
	FeedURL         string   // WebSocket endpoint for the live event feed (optional)
	Params          []string // Extra form fields as key=value (repeatable)
	Headers         []string // Extra request headers as key=value (repeatable)
	WithCredentials bool
	Concurrency     int
	Chunked         bool
	ChunkSize       int64 // Chunk size in bytes (default: 5 MiB)
	Retries         int
	ParallelChunks  int
	HTTP3           bool
	NoUI            bool
	Paths           []string // Files to upload (positional args)
}

// ParseServerConfig parses server configuration from flags and environment
// variables. Flags take precedence over environment variables.
// Defaults: addr=":8080", storeDir="./uploads", logLevel="info"
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:     ":8080",
		StoreDir: "./uploads",
		LogLevel: "info",
	}

	// Read from environment first
	if addr := os.Getenv("COURIER_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if dir := os.Getenv("COURIER_STORE_DIR"); dir != "" {
		cfg.StoreDir = dir
	}
	if logLevel := os.Getenv("COURIER_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.StoreDir, "store-dir", cfg.StoreDir, "directory receiving uploaded files")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseClientConfig parses uploader configuration from flags and environment
// variables. Flags take precedence over environment variables. Positional
// arguments are the files to upload.
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		URL:            "http://localhost:8080/upload",
		Method:         "POST",
		LogLevel:       "info",
		Concurrency:    2,
		ChunkSize:      5 * 1024 * 1024,
		ParallelChunks: 1,
	}

	// Read from environment first
	if url := os.Getenv("COURIER_URL"); url != "" {
		cfg.URL = url
	}
	if feedURL := os.Getenv("COURIER_FEED_URL"); feedURL != "" {
		cfg.FeedURL = feedURL
	}
	if logLevel := os.Getenv("COURIER_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.URL, "url", cfg.URL, "upload destination URL")
	fs.StringVar(&cfg.Method, "method", cfg.Method, "HTTP method for upload requests")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.FeedURL, "feed-url", cfg.FeedURL, "WebSocket URL for the live event feed")
	fs.BoolVar(&cfg.WithCredentials, "with-credentials", false, "send cookies with upload requests")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "max concurrent item uploads (1..32)")
	fs.BoolVar(&cfg.Chunked, "chunked", false, "split large files into byte-range requests")
	fs.IntVar(&cfg.Retries, "retries", 0, "extra attempts per failed chunk")
	fs.IntVar(&cfg.ParallelChunks, "parallel-chunks", cfg.ParallelChunks, "max concurrent chunk requests per file (1..16)")
	fs.BoolVar(&cfg.HTTP3, "http3", false, "use HTTP/3 for upload requests")
	fs.BoolVar(&cfg.NoUI, "no-ui", false, "disable the terminal progress display")

	// Chunk size accepts human-readable values like "4MiB"
	chunkSizeRaw := fs.String("chunk-size", "", "chunk size, e.g. 4MiB (default: 5MiB)")

	params := make([]string, 0)
	fs.Var((*stringSlice)(&params), "param", "extra form field as key=value (repeatable)")
	headers := make([]string, 0)
	fs.Var((*stringSlice)(&headers), "header", "extra request header as key=value (repeatable)")

	fs.Parse(args)

	if *chunkSizeRaw != "" {
		if n, err := humanize.ParseBytes(*chunkSizeRaw); err == nil && n > 0 {
			cfg.ChunkSize = int64(n)
		}
	}

	cfg.Params = params
	cfg.Headers = headers
	cfg.Paths = fs.Args()

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > 32 {
		cfg.Concurrency = 32
	}
	if cfg.ParallelChunks < 1 {
		cfg.ParallelChunks = 1
	}
	if cfg.ParallelChunks > 16 {
		cfg.ParallelChunks = 16
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	return cfg
}

// ParseKeyValues converts repeated key=value flags into a map. Entries
// without '=' are treated as a key with an empty value.
func ParseKeyValues(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
