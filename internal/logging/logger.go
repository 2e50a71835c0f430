// Package logging provides categorized process logging for opsagent on top of zap.
// Process logs go to stderr or a configured file and never share a stream with
// the audit event log, which owns stdout.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config and wiring
	CategoryGuardrail Category = "guardrail" // Input/output screening, rule reloads
	CategoryRouting   Category = "routing"   // Deterministic routing decisions
	CategoryPolicy    Category = "policy"    // Policy gate decisions
	CategoryTools     Category = "tools"     // Tool registry and execution
	CategoryTickets   Category = "tickets"   // Ticket lifecycle and storage adapters
	CategoryRetrieval Category = "retrieval" // Corpus indexing and lookups
	CategoryReasoning Category = "reasoning" // Reasoning engine calls
	CategoryAudit     Category = "audit"     // Audit emitter failures
	CategoryPipeline  Category = "pipeline"  // Per-request orchestration
)

// Options controls how Initialize builds the root zap logger.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json or console
	File       string          // empty means stderr
	Categories map[string]bool // missing categories default to enabled
}

// Logger is a category-scoped logger with printf-style helpers.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize replaces the root logger. It may be called more than once;
// cached category loggers are dropped on each call.
func Initialize(opts Options) error {
	var cfg zap.Config
	if strings.EqualFold(opts.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if opts.Level != "" {
		lvl, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = lvl
	}

	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = []string{opts.File}
	}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	setRoot(l, opts.Categories)
	return nil
}

// SetLogger installs an already-built zap logger. Tests use this with
// zap.NewNop() or an observer core.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	setRoot(l, nil)
}

func setRoot(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

// Root returns the underlying zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered entries.
func Sync() {
	_ = Root().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    root.With(zap.String("category", string(category))).Sugar(),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying extra structured fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithRequestID scopes a logger to one request.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.With("request_id", requestID)
}

// =============================================================================
// Convenience functions
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Guardrail(format string, args ...interface{})      { Get(CategoryGuardrail).Info(format, args...) }
func GuardrailDebug(format string, args ...interface{}) { Get(CategoryGuardrail).Debug(format, args...) }
func GuardrailWarn(format string, args ...interface{})  { Get(CategoryGuardrail).Warn(format, args...) }

func Routing(format string, args ...interface{})      { Get(CategoryRouting).Info(format, args...) }
func RoutingDebug(format string, args ...interface{}) { Get(CategoryRouting).Debug(format, args...) }

func Policy(format string, args ...interface{})      { Get(CategoryPolicy).Info(format, args...) }
func PolicyDebug(format string, args ...interface{}) { Get(CategoryPolicy).Debug(format, args...) }

func Tools(format string, args ...interface{})      { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }
func ToolsWarn(format string, args ...interface{})  { Get(CategoryTools).Warn(format, args...) }
func ToolsError(format string, args ...interface{}) { Get(CategoryTools).Error(format, args...) }

func Tickets(format string, args ...interface{})      { Get(CategoryTickets).Info(format, args...) }
func TicketsDebug(format string, args ...interface{}) { Get(CategoryTickets).Debug(format, args...) }
func TicketsWarn(format string, args ...interface{})  { Get(CategoryTickets).Warn(format, args...) }

func Retrieval(format string, args ...interface{})      { Get(CategoryRetrieval).Info(format, args...) }
func RetrievalDebug(format string, args ...interface{}) { Get(CategoryRetrieval).Debug(format, args...) }
func RetrievalWarn(format string, args ...interface{})  { Get(CategoryRetrieval).Warn(format, args...) }

func Reasoning(format string, args ...interface{})      { Get(CategoryReasoning).Info(format, args...) }
func ReasoningDebug(format string, args ...interface{}) { Get(CategoryReasoning).Debug(format, args...) }
func ReasoningWarn(format string, args ...interface{})  { Get(CategoryReasoning).Warn(format, args...) }

func AuditWarn(format string, args ...interface{}) { Get(CategoryAudit).Warn(format, args...) }

func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }

// =============================================================================
// Timing
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer creates a new timer for measuring operation duration
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
