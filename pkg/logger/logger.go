// Copyright 2023 Greptime Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"sigs.k8s.io/kind/pkg/log"
)

// Logger is the control plane's logging interface, based on log.Logger from
// the kind project. With attaches a stable key/value prefix (service id,
// ordinal, component name) to every line a derived logger writes, so C2-C5
// goroutines can be told apart in a shared writer without threading a
// context value through every call site.
type Logger interface {
	log.Logger
	With(keysAndValues ...interface{}) Logger
}

// logger is the concrete Logger implementation. Based on
// 'kind/pkg/internal/cli/logger.go', trimmed of the CLI-only ANSI coloring
// that belonged to the teacher's terminal output (that concern now lives in
// cliutil, used by the CLI's spinner and service tables) and extended
// with a fixed prefix for structured tagging.
type logger struct {
	writer     io.Writer
	writerMu   *sync.Mutex
	verbosity  *int32
	bufferPool *bufferPool
	prefix     string
}

var _ Logger = &logger{}

type Option func(*logger)

// New returns a new logger with the given verbosity writing to writer.
func New(writer io.Writer, verbosity log.Level, opts ...Option) Logger {
	v := int32(verbosity)
	l := &logger{
		writer:     writer,
		writerMu:   &sync.Mutex{},
		verbosity:  &v,
		bufferPool: newBufferPool(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// WithPrefix sets a fixed prefix printed at the start of every line.
func WithPrefix(prefix string) Option {
	return func(l *logger) {
		l.prefix = prefix
	}
}

// With returns a derived logger that shares the parent's writer, mutex and
// verbosity level but tags every line with the given key/value pairs, e.g.
// log.With("service", svc.Name, "ordinal", 2).
func (l *logger) With(keysAndValues ...interface{}) Logger {
	var b strings.Builder
	if l.prefix != "" {
		b.WriteString(l.prefix)
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, "[%v=%v]", keysAndValues[i], keysAndValues[i+1])
	}
	return &logger{
		writer:     l.writer,
		writerMu:   l.writerMu,
		verbosity:  l.verbosity,
		bufferPool: l.bufferPool,
		prefix:     b.String(),
	}
}

// Warn is part of the log.Logger interface.
func (l *logger) Warn(message string) {
	l.print(message)
}

// Warnf is part of the log.Logger interface.
func (l *logger) Warnf(format string, args ...interface{}) {
	l.printf(format, args...)
}

// Error is part of the log.Logger interface.
func (l *logger) Error(message string) {
	l.print(message)
}

// Errorf is part of the log.Logger interface.
func (l *logger) Errorf(format string, args ...interface{}) {
	l.printf(format, args...)
}

// V is part of the log.Logger interface.
func (l *logger) V(level log.Level) log.InfoLogger {
	return infoLogger{
		logger:  l,
		level:   level,
		enabled: level <= l.getVerbosity(),
	}
}

// SetVerbosity sets the logger's verbosity.
func (l *logger) SetVerbosity(verbosity log.Level) {
	atomic.StoreInt32(l.verbosity, int32(verbosity))
}

// infoLogger implements log.InfoLogger for logger.
type infoLogger struct {
	logger  *logger
	level   log.Level
	enabled bool
}

// Enabled is part of the log.InfoLogger interface.
func (i infoLogger) Enabled() bool {
	return i.enabled
}

// Info is part of the log.InfoLogger interface.
func (i infoLogger) Info(message string) {
	if !i.enabled {
		return
	}
	// for > 0, we are writing debug messages, include extra info
	if i.level > 0 {
		i.logger.debug(message)
	} else {
		i.logger.print(message)
	}
}

// Infof is part of the log.InfoLogger interface.
func (i infoLogger) Infof(format string, args ...interface{}) {
	if !i.enabled {
		return
	}
	// for > 0, we are writing debug messages, include extra info.
	if i.level > 0 {
		i.logger.debugf(format, args...)
	} else {
		i.logger.printf(format, args...)
	}
}

// synchronized write to the inner writer
func (l *logger) write(p []byte) (n int, err error) {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()
	return l.writer.Write(p)
}

// writeBuffer writes buf with write, ensuring there is a trailing newline.
func (l *logger) writeBuffer(buf *bytes.Buffer) {
	// ensure trailing newline
	if buf.Len() == 0 || buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
	_, _ = l.write(buf.Bytes())
}

// print writes a simple string to the log writer, including the prefix.
func (l *logger) print(message string) {
	buf := l.bufferPool.Get()
	l.addPrefix(buf)
	buf.WriteString(message)
	l.writeBuffer(buf)
	l.bufferPool.Put(buf)
}

// printf is roughly fmt.Fprintf against the log writer.
func (l *logger) printf(format string, args ...interface{}) {
	buf := l.bufferPool.Get()
	l.addPrefix(buf)
	fmt.Fprintf(buf, format, args...)
	l.writeBuffer(buf)
	l.bufferPool.Put(buf)
}

// debug is like print but with a debug log header.
func (l *logger) debug(message string) {
	buf := l.bufferPool.Get()
	l.addDebugHeader(buf)
	l.addPrefix(buf)
	buf.WriteString(message)
	l.writeBuffer(buf)
	l.bufferPool.Put(buf)
}

// debugf is like printf but with a debug log header.
func (l *logger) debugf(format string, args ...interface{}) {
	buf := l.bufferPool.Get()
	l.addDebugHeader(buf)
	l.addPrefix(buf)
	fmt.Fprintf(buf, format, args...)
	l.writeBuffer(buf)
	l.bufferPool.Put(buf)
}

// addPrefix writes the logger's structured prefix, if any, to buf.
func (l *logger) addPrefix(buf *bytes.Buffer) {
	if l.prefix != "" {
		buf.WriteString(l.prefix)
		buf.WriteByte(' ')
	}
}

// addDebugHeader inserts the debug line header to buf.
func (l *logger) addDebugHeader(buf *bytes.Buffer) {
	_, file, line, ok := runtime.Caller(3)
	// lifted from klog
	if !ok {
		file = "???"
		line = 1
	} else {
		if slash := strings.LastIndex(file, "/"); slash >= 0 {
			path := file
			file = path[slash+1:]
			if dirsep := strings.LastIndex(path[:slash], "/"); dirsep >= 0 {
				file = path[dirsep+1:]
			}
		}
	}
	buf.Grow(len(file) + 11) // we know at least this many bytes are needed
	buf.WriteString("DEBUG: ")
	buf.WriteString(file)
	buf.WriteByte(':')
	fmt.Fprintf(buf, "%d", line)
	buf.WriteByte(']')
	buf.WriteByte(' ')
}

func (l *logger) getVerbosity() log.Level {
	return log.Level(atomic.LoadInt32(l.verbosity))
}

// bufferPool is a type safe sync.Pool of *byte.Buffer, guaranteed to be Reset.
type bufferPool struct {
	sync.Pool
}

// newBufferPool returns a new bufferPool
func newBufferPool() *bufferPool {
	return &bufferPool{
		sync.Pool{
			New: func() interface{} {
				// The Pool's New function should generally only return pointer
				// types, since a pointer can be put into the return interface
				// value without an allocation.
				return new(bytes.Buffer)
			},
		},
	}
}

// Get obtains a buffer from the pool.
func (b *bufferPool) Get() *bytes.Buffer {
	return b.Pool.Get().(*bytes.Buffer)
}

// Put returns a buffer to the pool, resetting it first.
func (b *bufferPool) Put(x *bytes.Buffer) {
	// only store small buffers to avoid pointless allocation
	// avoid keeping arbitrarily large buffers
	if x.Len() > 256 {
		return
	}
	x.Reset()
	b.Pool.Put(x)
}
