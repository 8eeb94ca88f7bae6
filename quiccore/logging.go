// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quiccore

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	RegisterModule(StdoutWriter{})
	RegisterModule(StderrWriter{})
	RegisterModule(DiscardWriter{})
}

// Logging configures where and how a running instance's log entries are
// written. Logging.Logs is keyed by an arbitrary log name; the "default"
// entry, if absent, is synthesized with production settings (stderr,
// JSON encoding, info level).
type Logging struct {
	Sink *StandardLibLog       `json:"sink,omitempty"`
	Logs map[string]*CustomLog `json:"logs,omitempty"`

	writerKeys []string
}

// openLogs sets up the config and opens all the configured writers. It
// closes its logs when ctx is canceled.
func (logging *Logging) openLogs(ctx Context) error {
	ctx.OnCancel(func() {
		if err := logging.closeLogs(); err != nil {
			Log().Error("closing logs", zap.Error(err))
		}
	})

	if logging.Sink != nil {
		if err := logging.Sink.provision(ctx, logging); err != nil {
			return fmt.Errorf("setting up sink log: %v", err)
		}
	}

	if err := logging.setupNewDefault(ctx); err != nil {
		return err
	}

	for name, l := range logging.Logs {
		if name == "default" {
			continue
		}
		if err := l.provision(ctx, logging); err != nil {
			return fmt.Errorf("setting up custom log '%s': %v", name, err)
		}
		if _, ok := l.writerOpener.(DiscardWriter); ok {
			delete(logging.Logs, name)
		}
	}

	return nil
}

func (logging *Logging) setupNewDefault(ctx Context) error {
	if logging.Logs == nil {
		logging.Logs = make(map[string]*CustomLog)
	}

	newDefault := new(defaultCustomLog)
	if userDefault, ok := logging.Logs["default"]; ok {
		newDefault.CustomLog = userDefault
	} else {
		var err error
		newDefault, err = newDefaultProductionLog()
		if err != nil {
			return fmt.Errorf("setting up default log: %v", err)
		}
		logging.Logs["default"] = newDefault.CustomLog
	}

	if err := newDefault.CustomLog.provision(ctx, logging); err != nil {
		return fmt.Errorf("setting up default log: %v", err)
	}
	newDefault.logger = zap.New(newDefault.CustomLog.core)

	defaultLoggerMu.Lock()
	oldDefault := defaultLoggerVal
	defaultLoggerVal = newDefault
	defaultLoggerMu.Unlock()

	if oldDefault != nil {
		var newKey, oldKey string
		if newDefault.writerOpener != nil {
			newKey = newDefault.writerOpener.WriterKey()
		}
		if oldDefault.writerOpener != nil {
			oldKey = oldDefault.writerOpener.WriterKey()
		}
		if newKey != oldKey {
			oldDefault.logger.Info("redirected default logger",
				zap.String("from", oldKey), zap.String("to", newKey))
		}
	}

	return nil
}

// closeLogs releases resources allocated during openLogs.
func (logging *Logging) closeLogs() error {
	for _, key := range logging.writerKeys {
		writersMu.Lock()
		if w, ok := writers[key]; ok {
			delete(writers, key)
			writersMu.Unlock()
			if err := w.Close(); err != nil {
				log.Printf("[ERROR] closing log writer %v: %v", key, err)
			}
			continue
		}
		writersMu.Unlock()
	}
	return nil
}

// Logger returns a logger for use by mod, multiplexing over every
// configured log whose Include/Exclude namespaces match mod's ID.
func (logging *Logging) Logger(mod Module) *zap.Logger {
	modName := mod.QuicModule().ID.Name()
	var cores []zapcore.Core
	for _, l := range logging.Logs {
		if l.matchesModule(modName) {
			cores = append(cores, l.core)
		}
	}
	return zap.New(zapcore.NewTee(cores...)).Named(modName)
}

// openWriter opens a writer using opener, reusing an already-open writer
// for the same key if one exists.
func (logging *Logging) openWriter(opener WriterOpener) (io.WriteCloser, error) {
	key := opener.WriterKey()

	writersMu.Lock()
	defer writersMu.Unlock()

	if w, ok := writers[key]; ok {
		logging.writerKeys = append(logging.writerKeys, key)
		return w, nil
	}

	w, err := opener.OpenWriter()
	if err != nil {
		return nil, err
	}
	writers[key] = w
	logging.writerKeys = append(logging.writerKeys, key)
	return w, nil
}

var (
	writers   = make(map[string]io.WriteCloser)
	writersMu sync.Mutex
)

// WriterOpener is a module that can open a log writer, and describe itself
// for operators (without a human-readable string showing secrets).
type WriterOpener interface {
	fmt.Stringer

	// WriterKey uniquely identifies this writer's configuration.
	WriterKey() string

	// OpenWriter opens a log for writing. It must be safe for concurrent
	// use but need not be synchronous.
	OpenWriter() (io.WriteCloser, error)
}

// StandardLibLog configures the standard library's global logger (used by
// module dependencies that log through the "log" package directly instead
// of through a *zap.Logger).
type StandardLibLog struct {
	WriterRaw json.RawMessage `json:"writer,omitempty"`

	writer io.WriteCloser
}

func (sll *StandardLibLog) provision(ctx Context, logging *Logging) error {
	if sll.WriterRaw == nil {
		return nil
	}
	val, err := ctx.LoadModuleInline("output", "quiccore.logging.writers", sll.WriterRaw)
	if err != nil {
		return fmt.Errorf("loading sink log writer module: %v", err)
	}
	wo := val.(WriterOpener)
	sll.WriterRaw = nil

	sll.writer, err = logging.openWriter(wo)
	if err != nil {
		return fmt.Errorf("opening sink log writer %#v: %v", val, err)
	}
	log.SetOutput(sll.writer)

	return nil
}

// CustomLog represents one named logger configuration.
type CustomLog struct {
	WriterRaw  json.RawMessage `json:"writer,omitempty"`
	EncoderRaw json.RawMessage `json:"encoder,omitempty"`
	Level      string          `json:"level,omitempty"`
	Sampling   *LogSampling    `json:"sampling,omitempty"`
	Include    []string        `json:"include,omitempty"`
	Exclude    []string        `json:"exclude,omitempty"`

	writerOpener WriterOpener
	writer       io.WriteCloser
	encoder      zapcore.Encoder
	levelEnabler zapcore.LevelEnabler
	core         zapcore.Core
}

func (cl *CustomLog) provision(ctx Context, logging *Logging) error {
	switch cl.Level {
	case "debug":
		cl.levelEnabler = zapcore.DebugLevel
	case "", "info":
		cl.levelEnabler = zapcore.InfoLevel
	case "warn":
		cl.levelEnabler = zapcore.WarnLevel
	case "error":
		cl.levelEnabler = zapcore.ErrorLevel
	case "panic":
		cl.levelEnabler = zapcore.PanicLevel
	case "fatal":
		cl.levelEnabler = zapcore.FatalLevel
	default:
		return fmt.Errorf("unrecognized log level: %s", cl.Level)
	}

	if len(cl.Include) > 0 && len(cl.Exclude) > 0 {
		for _, allow := range cl.Include {
			for _, deny := range cl.Exclude {
				if allow == deny {
					return fmt.Errorf("include and exclude must not intersect, but found %s in both lists", allow)
				}
			}
		}
	outer:
		for _, allow := range cl.Include {
			for _, deny := range cl.Exclude {
				if strings.HasPrefix(allow+".", deny+".") || strings.HasPrefix(deny+".", allow+".") {
					continue outer
				}
			}
			return fmt.Errorf("when both include and exclude are populated, each element must be a superspace or subspace of one in the other list; check '%s' in include", allow)
		}
	}

	if cl.EncoderRaw != nil {
		val, err := ctx.LoadModuleInline("format", "quiccore.logging.encoders", cl.EncoderRaw)
		if err != nil {
			return fmt.Errorf("loading log encoder module: %v", err)
		}
		cl.EncoderRaw = nil
		cl.encoder = val.(zapcore.Encoder)
	}
	if cl.encoder == nil {
		cl.encoder = zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig())
	}

	if cl.WriterRaw != nil {
		val, err := ctx.LoadModuleInline("output", "quiccore.logging.writers", cl.WriterRaw)
		if err != nil {
			return fmt.Errorf("loading log writer module: %v", err)
		}
		cl.WriterRaw = nil
		cl.writerOpener = val.(WriterOpener)
	}
	if cl.writerOpener == nil {
		cl.writerOpener = StderrWriter{}
	}
	var err error
	cl.writer, err = logging.openWriter(cl.writerOpener)
	if err != nil {
		return fmt.Errorf("opening log writer using %#v: %v", cl.writerOpener, err)
	}

	cl.buildCore()

	return nil
}

func (cl *CustomLog) buildCore() {
	if _, ok := cl.writerOpener.(DiscardWriter); ok {
		cl.core = zapcore.NewNopCore()
		return
	}
	c := zapcore.NewCore(cl.encoder, zapcore.AddSync(cl.writer), cl.levelEnabler)
	if cl.Sampling != nil {
		if cl.Sampling.Interval == 0 {
			cl.Sampling.Interval = time.Second
		}
		if cl.Sampling.First == 0 {
			cl.Sampling.First = 100
		}
		if cl.Sampling.Thereafter == 0 {
			cl.Sampling.Thereafter = 100
		}
		c = zapcore.NewSampler(c, cl.Sampling.Interval, cl.Sampling.First, cl.Sampling.Thereafter)
	}
	cl.core = c
}

func (cl *CustomLog) matchesModule(moduleName string) bool {
	if len(cl.Include) == 0 && len(cl.Exclude) == 0 {
		return true
	}

	moduleName += "."

	var longestAccept, longestReject int

	if len(cl.Include) > 0 {
		for _, namespace := range cl.Include {
			if strings.HasPrefix(moduleName, namespace+".") && len(namespace) > longestAccept {
				longestAccept = len(namespace)
			}
		}
		if longestAccept == 0 {
			return false
		}
	}

	if len(cl.Exclude) > 0 {
		for _, namespace := range cl.Exclude {
			if strings.HasPrefix(moduleName, namespace+".") && len(namespace) > longestReject {
				longestReject = len(namespace)
			}
		}
		if longestReject > longestAccept {
			return false
		}
	}

	return longestAccept > longestReject
}

// LogSampling configures log entry sampling.
type LogSampling struct {
	Interval   time.Duration `json:"interval,omitempty"`
	First      int           `json:"first,omitempty"`
	Thereafter int           `json:"thereafter,omitempty"`
}

type (
	// StdoutWriter writes logs to stdout.
	StdoutWriter struct{}
	// StderrWriter writes logs to stderr.
	StderrWriter struct{}
	// DiscardWriter discards all writes.
	DiscardWriter struct{}
)

// QuicModule returns module information for StdoutWriter.
func (StdoutWriter) QuicModule() ModuleInfo {
	return ModuleInfo{ID: "quiccore.logging.writers.stdout", New: func() Module { return new(StdoutWriter) }}
}

// QuicModule returns module information for StderrWriter.
func (StderrWriter) QuicModule() ModuleInfo {
	return ModuleInfo{ID: "quiccore.logging.writers.stderr", New: func() Module { return new(StderrWriter) }}
}

// QuicModule returns module information for DiscardWriter.
func (DiscardWriter) QuicModule() ModuleInfo {
	return ModuleInfo{ID: "quiccore.logging.writers.discard", New: func() Module { return new(DiscardWriter) }}
}

func (StdoutWriter) String() string  { return "stdout" }
func (StderrWriter) String() string  { return "stderr" }
func (DiscardWriter) String() string { return "discard" }

func (StdoutWriter) WriterKey() string  { return "std:out" }
func (StderrWriter) WriterKey() string  { return "std:err" }
func (DiscardWriter) WriterKey() string { return "discard" }

func (StdoutWriter) OpenWriter() (io.WriteCloser, error)  { return notClosable{os.Stdout}, nil }
func (StderrWriter) OpenWriter() (io.WriteCloser, error)  { return notClosable{os.Stderr}, nil }
func (DiscardWriter) OpenWriter() (io.WriteCloser, error) { return notClosable{io.Discard}, nil }

// notClosable is an io.WriteCloser that can't be closed, for the process's
// inherited stdout/stderr/discard streams.
type notClosable struct{ io.Writer }

func (fc notClosable) Close() error { return nil }

type defaultCustomLog struct {
	*CustomLog
	logger *zap.Logger
}

// newDefaultProductionLog builds the log used when no "default" entry is
// configured: stderr, JSON-encoded, info level and up.
func newDefaultProductionLog() (*defaultCustomLog, error) {
	cl := new(CustomLog)
	cl.writerOpener = StderrWriter{}
	var err error
	cl.writer, err = cl.writerOpener.OpenWriter()
	if err != nil {
		return nil, err
	}
	cl.encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	cl.levelEnabler = zapcore.InfoLevel
	cl.buildCore()

	return &defaultCustomLog{CustomLog: cl, logger: zap.New(cl.core)}, nil
}

// Log returns the current default logger.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLoggerVal.logger
}

var (
	defaultLoggerVal, _ = newDefaultProductionLog()
	defaultLoggerMu     sync.RWMutex
)

// Interface guards
var (
	_ io.WriteCloser = (*notClosable)(nil)
	_ WriterOpener   = StdoutWriter{}
	_ WriterOpener   = StderrWriter{}
	_ WriterOpener   = DiscardWriter{}
)
