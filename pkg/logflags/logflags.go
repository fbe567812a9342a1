// Package logflags maps command line log toggles to the loggers used by the
// rest of the codebase. Each layer of the dumper has its own boolean gate so
// that crash-time logging stays silent unless explicitly requested.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	writer   = false
	accessor = false
	reader   = false

	logOut io.Writer
)

// SetOutput redirects logging to w. The CLI uses it to route logs through a
// color-capable stderr wrapper on Windows terminals.
func SetOutput(w io.Writer) {
	logOut = w
}

func makeLogger(flag bool, fields Fields) Logger {
	lf := loggerFactory
	if lf == nil {
		lf = func(flag bool, fields Fields, out io.Writer) Logger {
			logger := logrus.New()
			logger.Formatter = &textFormatter{}
			logger.Out = out
			logger.Level = logrus.DebugLevel
			if !flag {
				logger.Level = logrus.PanicLevel
			}
			return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
		}
	}
	var out io.Writer = os.Stderr
	if logOut != nil {
		out = logOut
	}
	return lf(flag, fields, out)
}

// Writer returns true if the dump orchestrator and section writers should log.
func Writer() bool {
	return writer
}

// WriterLogger returns a logger for the dump orchestrator and section writers.
func WriterLogger() Logger {
	return makeLogger(writer, Fields{"layer": "writer"})
}

// Accessor returns true if the platform process accessors should log.
func Accessor() bool {
	return accessor
}

// AccessorLogger returns a logger for the platform process accessors.
func AccessorLogger() Logger {
	return makeLogger(accessor, Fields{"layer": "accessor"})
}

// Reader returns true if the minidump parser should log.
func Reader() bool {
	return reader
}

// ReaderLogger returns a logger for the minidump parser.
func ReaderLogger() Logger {
	return makeLogger(reader, Fields{"layer": "reader"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging gates based on the contents of logstr. A dest of
// the form "file:<path>" redirects logging to the given file.
func Setup(logFlag bool, logstr, dest string) error {
	if dest != "" {
		if !strings.HasPrefix(dest, "file:") {
			return fmt.Errorf("malformed log destination %q", dest)
		}
		f, err := os.Create(strings.TrimPrefix(dest, "file:"))
		if err != nil {
			return err
		}
		logOut = f
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "writer"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "writer":
			writer = true
		case "accessor":
			accessor = true
		case "reader":
			reader = true
		default:
			return fmt.Errorf("invalid log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the logging destination opened by Setup, if any.
func Close() {
	if c, ok := logOut.(io.Closer); ok {
		c.Close()
	}
	logOut = nil
}
