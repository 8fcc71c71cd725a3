// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	base     *slog.Logger
	levelVar = new(slog.LevelVar)
)

func init() {
	levelVar.Set(slog.LevelInfo)
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
}

// Configure replaces the output and format. format is "text" or "json".
func Configure(w io.Writer, format string) {
	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	base = slog.New(h)
	mu.Unlock()
}

func SetLevel(level LogLevel) {
	switch level {
	case DEBUG:
		levelVar.Set(slog.LevelDebug)
	case WARN:
		levelVar.Set(slog.LevelWarn)
	case ERROR:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// ParseLevel maps "debug", "info", "warn", "error". Unknown values are INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func logMessage(level slog.Level, component, message string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	if !l.Enabled(context.Background(), level) {
		return
	}

	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.LogAttrs(context.Background(), level, message, attrs...)
}

func Debug(message string) {
	logMessage(slog.LevelDebug, "", message, nil)
}

func DebugC(component, message string) {
	logMessage(slog.LevelDebug, component, message, nil)
}

func DebugF(message string, fields map[string]interface{}) {
	logMessage(slog.LevelDebug, "", message, fields)
}

func Info(message string) {
	logMessage(slog.LevelInfo, "", message, nil)
}

func InfoC(component, message string) {
	logMessage(slog.LevelInfo, component, message, nil)
}

func InfoF(message string, fields map[string]interface{}) {
	logMessage(slog.LevelInfo, "", message, fields)
}

func Warn(message string) {
	logMessage(slog.LevelWarn, "", message, nil)
}

func WarnC(component, message string) {
	logMessage(slog.LevelWarn, component, message, nil)
}

func WarnF(message string, fields map[string]interface{}) {
	logMessage(slog.LevelWarn, "", message, fields)
}

func Error(message string) {
	logMessage(slog.LevelError, "", message, nil)
}

func ErrorC(component, message string) {
	logMessage(slog.LevelError, component, message, nil)
}

func ErrorF(message string, fields map[string]interface{}) {
	logMessage(slog.LevelError, "", message, fields)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(slog.LevelDebug, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(slog.LevelInfo, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(slog.LevelWarn, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(slog.LevelError, component, message, fields)
}
