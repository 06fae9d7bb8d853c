// Package logging is the production corekit.ComponentAwareLogger: text
// output for local development, JSON for Kubernetes, with error-level
// rate limiting so a failing dependency can't flood stdout during an
// incident. It is the only concrete Logger this repo ships — every
// collaborator accepts corekit.Logger and gets corekit.NoOpLogger unless
// this one is wired in at cmd/orchestratord.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

var levelOrder = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// Logger is the production corekit.ComponentAwareLogger implementation.
type Logger struct {
	level       string
	format      string // "json" or "text"
	serviceName string
	component   string
	output      io.Writer

	mu           sync.Mutex
	errorLimiter *rateLimiter
}

// New builds a Logger. format is "json" or "text"; level is one of
// DEBUG/INFO/WARN/ERROR. errorRateLimit caps how often ERROR lines are
// actually written (zero disables limiting).
func New(serviceName, level, format string, errorRateLimit time.Duration) *Logger {
	level = strings.ToUpper(level)
	if _, ok := levelOrder[level]; !ok {
		level = "INFO"
	}
	if format != "json" {
		format = "text"
	}
	var limiter *rateLimiter
	if errorRateLimit > 0 {
		limiter = newRateLimiter(errorRateLimit)
	}
	return &Logger{
		level:        level,
		format:       format,
		serviceName:  serviceName,
		output:       os.Stdout,
		errorLimiter: limiter,
	}
}

// WithComponent returns a Logger tagged with component; the underlying
// rate limiter and output are shared so a burst across components still
// counts against one global error budget.
func (l *Logger) WithComponent(component string) corekit.Logger {
	return &Logger{
		level:        l.level,
		format:       l.format,
		serviceName:  l.serviceName,
		component:    component,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}

func (l *Logger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceFields(ctx, fields))
}

func (l *Logger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceFields(ctx, fields))
}

func (l *Logger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	if levelOrder[level] < levelOrder[l.level] {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format(time.RFC3339Nano)
	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   l.serviceName,
			"message":   msg,
		}
		if l.component != "" {
			entry["component"] = l.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.output, "%s [%s] %s (field marshal error: %v)\n", ts, level, msg, err)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", ts, level)
	if l.component != "" {
		fmt.Fprintf(&b, " [%s]", l.component)
	}
	fmt.Fprintf(&b, " %s", msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(l.output, b.String())
}

// withTraceFields copies fields and adds the request_id correlation key
// stored in ctx by WithRequestID, if present, without mutating the
// caller's map. No other context values are read.
func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		out["request_id"] = id
	}
	return out
}

// requestIDKey is the context key internal/api stores the correlation id
// under; declared here (not imported from internal/api) to avoid a
// logging -> api import cycle.
type requestIDKey struct{}

// WithRequestID returns a context carrying id for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type rateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.last) >= r.interval {
		r.last = now
		return true
	}
	return false
}
