package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects the level, encoding and destination of a Logger. It is
// filled from the LOG_* environment by the config package.
type Config struct {
	// Level is one of debug, info, warn, error or fatal; anything else
	// means info.
	Level string
	// Format is "json" or "text".
	Format string
	// Output is "stdout", "stderr" or a file path opened for append.
	Output string
}

// DefaultConfig logs INFO and above as JSON to stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: string(JSONFormat), Output: "stderr"}
}

// NewLogger creates a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	output, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewWithFormat(parseLevel(cfg.Level), format, output), nil
}

func parseLevel(level string) LogLevel {
	lv := LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if lv.rank() < 0 {
		return InfoLevel
	}
	return lv
}

func parseFormat(format string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case "", JSONFormat:
		return JSONFormat, nil
	case TextFormat:
		return TextFormat, nil
	}
	return "", fmt.Errorf("unknown log format %q", format)
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	return f, nil
}
