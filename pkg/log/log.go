package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Components derive child loggers from it
// through the With* helpers rather than using it directly.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// chainTimeFormat carries microsecond precision so log lines line up with
// chain timestamps, which are microseconds by definition.
const chainTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Config holds logging configuration.
type Config struct {
	// Level is the global minimum: debug, info, warn or error.
	Level string
	// JSONOutput switches between machine JSON and the human console form.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
	// Components overrides the level per component, e.g.
	// {"validation": "warn", "publish": "error"}. The validation and
	// publish workflows log every cycle at debug; overrides quiet them
	// without losing debug elsewhere.
	Components map[string]string
}

var (
	mu              sync.RWMutex
	componentLevels = map[string]zerolog.Level{}
)

// Init configures the root logger. Safe to call again with new settings;
// existing child loggers keep the configuration they were derived with.
func Init(cfg Config) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("unknown log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = chainTimeFormat

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000000",
		}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()

	levels := make(map[string]zerolog.Level, len(cfg.Components))
	for component, name := range cfg.Components {
		parsed, err := zerolog.ParseLevel(strings.ToLower(name))
		if err != nil {
			return fmt.Errorf("unknown log level %q for component %s: %w", name, component, err)
		}
		levels[component] = parsed
	}
	mu.Lock()
	componentLevels = levels
	mu.Unlock()
	return nil
}

// WithComponent derives a child logger for a workflow or subsystem,
// applying any per-component level override from Init.
func WithComponent(component string) zerolog.Logger {
	logger := Logger.With().Str("component", component).Logger()
	mu.RLock()
	level, ok := componentLevels[component]
	mu.RUnlock()
	if ok {
		logger = logger.Level(level)
	}
	return logger
}

// shortHash truncates a hash display form for log readability: the "u"
// prefix plus twelve characters identifies a hash unambiguously in
// practice, and full 53-character forms drown the console output.
func shortHash(s string) string {
	if len(s) > 13 {
		return s[:13]
	}
	return s
}

// WithCell derives a child logger carrying the cell's dna and agent as
// separate shortened fields, so lines from different cells of one agent
// (or one DNA) group together in aggregation.
func WithCell(cellID string) zerolog.Logger {
	parts := strings.SplitN(cellID, "/", 2)
	ctx := Logger.With().Str("dna", shortHash(parts[0]))
	if len(parts) == 2 {
		ctx = ctx.Str("agent", shortHash(parts[1]))
	}
	return ctx.Logger()
}

// WithDna derives a child logger scoped to a DNA.
func WithDna(dna string) zerolog.Logger {
	return Logger.With().Str("dna", shortHash(dna)).Logger()
}

// Flush gives slow writers a moment before process exit; console writers
// buffer internally and a hard exit right after a final message can lose
// it.
func Flush() {
	time.Sleep(10 * time.Millisecond)
}
