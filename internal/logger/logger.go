package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	sugar        = newSugar(zapcore.Lock(os.Stdout), "text")
	outputFile   *os.File
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func parseLevel(level string) (Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// SetLevel changes the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	lvl, ok := parseLevel(level)
	if !ok {
		return
	}
	mu.Lock()
	currentLevel = lvl
	mu.Unlock()
}

// Configure replaces the log sink.
//
// format is "text" (console encoder) or "json". output is "stdout", "stderr"
// or a file path opened in append mode.
func Configure(level, format, output string) error {
	var sink zapcore.WriteSyncer
	var file *os.File

	switch output {
	case "", "stdout":
		sink = zapcore.Lock(os.Stdout)
	case "stderr":
		sink = zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log output %s: %w", output, err)
		}
		file = f
		sink = zapcore.Lock(f)
	}

	if format != "" && format != "text" && format != "json" {
		if file != nil {
			_ = file.Close()
		}
		return fmt.Errorf("unknown log format %q", format)
	}

	mu.Lock()
	_ = sugar.Sync()
	if outputFile != nil {
		_ = outputFile.Close()
	}
	sugar = newSugar(sink, format)
	outputFile = file
	mu.Unlock()

	SetLevel(level)
	return nil
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return sugar.Sync()
}

func newSugar(sink zapcore.WriteSyncer, format string) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.ConsoleSeparator = " "
		encCfg.EncodeTime = func(t time.Time, e zapcore.PrimitiveArrayEncoder) {
			e.AppendString("[" + t.Format("2006-01-02 15:04:05") + "]")
		}
		encCfg.EncodeLevel = func(l zapcore.Level, e zapcore.PrimitiveArrayEncoder) {
			e.AppendString("[" + l.CapitalString() + "]")
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// Filtering happens in log(), so the core accepts everything.
	core := zapcore.NewCore(enc, sink, zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

func log(level Level, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if level < currentLevel {
		return
	}

	switch level {
	case LevelDebug:
		sugar.Debugf(format, v...)
	case LevelInfo:
		sugar.Infof(format, v...)
	case LevelWarn:
		sugar.Warnf(format, v...)
	default:
		sugar.Errorf(format, v...)
	}
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
