// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package log is the context-aware logging facade used throughout the
// module. Every call takes a context; log tags attached to the context with
// logtags are rendered in front of the message. Output goes to a zap logger
// which can be replaced with SetLogger (tests use Scope).
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity identifies the importance of a log entry.
type Severity int

const (
	// SeverityInfo is used for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is used for unexpected but handled conditions.
	SeverityWarning
	// SeverityError is used for failures.
	SeverityError
	// SeverityFatal terminates the process after logging.
	SeverityFatal
)

var logging struct {
	mu struct {
		syncutil.RWMutex
		logger *zap.Logger
		exit   func(int)
	}
	verbosity  atomic.Int32
	redactable atomic.Bool
}

func init() {
	logging.mu.logger = newDefaultLogger()
	logging.mu.exit = os.Exit
}

func newDefaultLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return zap.New(core)
}

// SetLogger replaces the output logger. The returned function restores the
// previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.logger
	logging.mu.logger = l
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.logger = prev
	}
}

// SetExitFunc overrides the function called after a fatal message. The
// returned function restores the previous one.
func SetExitFunc(f func(int)) (restore func()) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.exit
	logging.mu.exit = f
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.exit = prev
	}
}

// SetVModule sets the global verbosity level. Messages logged with VEventf at
// a level at or below it are emitted.
func SetVModule(level int) {
	logging.verbosity.Store(int32(level))
}

// SetRedactable controls whether redaction markers are kept in the output.
func SetRedactable(redactable bool) {
	logging.redactable.Store(redactable)
}

// V returns true if the logging verbosity is set to the specified level or
// higher.
func V(level int32) bool {
	return logging.verbosity.Load() >= level
}

func logger() *zap.Logger {
	logging.mu.RLock()
	defer logging.mu.RUnlock()
	return logging.mu.logger
}

// FormatWithContextTags formats the string and prepends the context tags.
// Redaction markers are not inserted.
func FormatWithContextTags(ctx context.Context, format string, args ...interface{}) string {
	var buf strings.Builder
	formatTags(ctx, &buf)
	buf.WriteString(redact.Sprintf(format, args...).StripMarkers())
	return buf.String()
}

func formatTags(ctx context.Context, buf *strings.Builder) {
	tags := logtags.FromContext(ctx)
	if tags == nil || len(tags.Get()) == 0 {
		return
	}
	buf.WriteByte('[')
	buf.WriteString(tags.String())
	buf.WriteString("] ")
}

func output(ctx context.Context, sev Severity, format string, args []interface{}) {
	var buf strings.Builder
	formatTags(ctx, &buf)
	msg := redact.Sprintf(format, args...)
	if logging.redactable.Load() {
		buf.WriteString(string(msg))
	} else {
		buf.WriteString(msg.StripMarkers())
	}
	l := logger().WithOptions(zap.AddCallerSkip(2))
	switch sev {
	case SeverityInfo:
		l.Info(buf.String())
	case SeverityWarning:
		l.Warn(buf.String())
	case SeverityError:
		l.Error(buf.String())
	case SeverityFatal:
		l.Error(buf.String(), zap.Bool("fatal", true))
		_ = l.Sync()
		logging.mu.RLock()
		exit := logging.mu.exit
		logging.mu.RUnlock()
		exit(255)
	default:
		panic(fmt.Sprintf("unknown severity %d", sev))
	}
}

// Infof logs to the INFO severity.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityInfo, format, args)
}

// Info logs a constant message to the INFO severity.
func Info(ctx context.Context, msg redact.SafeString) {
	output(ctx, SeverityInfo, string(msg), nil)
}

// Warningf logs to the WARNING severity.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityWarning, format, args)
}

// Warning logs a constant message to the WARNING severity.
func Warning(ctx context.Context, msg redact.SafeString) {
	output(ctx, SeverityWarning, string(msg), nil)
}

// Errorf logs to the ERROR severity.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityError, format, args)
}

// Fatalf logs to the ERROR severity and then terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SeverityFatal, format, args)
}

// VEventf logs to the INFO severity if the verbosity is at least level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		output(ctx, SeverityInfo, format, args)
	}
}

// VEvent is VEventf for a constant message.
func VEvent(ctx context.Context, level int32, msg redact.SafeString) {
	if V(level) {
		output(ctx, SeverityInfo, string(msg), nil)
	}
}

// VWarningf logs to the WARNING severity if the verbosity is at least level.
func VWarningf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		output(ctx, SeverityWarning, format, args)
	}
}
