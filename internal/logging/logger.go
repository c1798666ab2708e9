// Package logging provides categorized zap-based logging for policyrag.
// Each subsystem logs through a named child logger so operators can grep
// a single category out of the combined stream.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and wiring
	CategoryGovernor    Category = "governor"    // Pool and permit accounting
	CategoryBreaker     Category = "breaker"     // Circuit breaker transitions
	CategoryStore       Category = "store"       // Chunk store operations
	CategoryRetrieval   Category = "retrieval"   // Vector retrieval
	CategoryReframe     Category = "reframe"     // Query reframing
	CategoryConsistency Category = "consistency" // Self-consistency engine
	CategoryPipeline    Category = "pipeline"    // Orchestrator stages
	CategoryEmbedding   Category = "embedding"   // Embedding engine
	CategoryAPI         Category = "api"         // LLM API calls
	CategoryWebSearch   Category = "websearch"   // Web-search enrichment
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	sugared = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the process-wide logger. debugMode switches to a
// development encoder at debug level; otherwise production JSON at the
// given level ("debug", "info", "warn", "error").
func Initialize(debugMode bool, level string) error {
	var cfg zap.Config
	if debugMode {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	sugared = make(map[Category]*zap.SugaredLogger)
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the root logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Get returns (or creates) the sugared logger for a category.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	s, ok := sugared[category]
	mu.RUnlock()
	if ok {
		return s
	}

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugared[category]; ok {
		return s
	}
	s = root.Named(string(category)).Sugar()
	sugared[category] = s
	return s
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Printf-style helpers for the chattier categories, mirroring the call
// sites' habits: Governor("acquired slot %d/%d", n, max).

func Governor(format string, args ...interface{}) { Get(CategoryGovernor).Infof(format, args...) }
func GovernorDebug(format string, args ...interface{}) {
	Get(CategoryGovernor).Debugf(format, args...)
}
func Breaker(format string, args ...interface{})    { Get(CategoryBreaker).Infof(format, args...) }
func Store(format string, args ...interface{})      { Get(CategoryStore).Infof(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debugf(format, args...) }
func Retrieval(format string, args ...interface{})  { Get(CategoryRetrieval).Infof(format, args...) }
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debugf(format, args...)
}
func Reframe(format string, args ...interface{}) { Get(CategoryReframe).Infof(format, args...) }
func Consistency(format string, args ...interface{}) {
	Get(CategoryConsistency).Infof(format, args...)
}
func ConsistencyDebug(format string, args ...interface{}) {
	Get(CategoryConsistency).Debugf(format, args...)
}
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Infof(format, args...) }
func API(format string, args ...interface{})      { Get(CategoryAPI).Infof(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debugf(format, args...) }
