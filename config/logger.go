// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package config

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a logger from the provided configuration. Logs are
// written to stderr, or to a rotated file if c.File is set. The caller
// should close the returned io.Closer.
func NewLogger(c LogConfig) (log.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.MaxSizeMB, 1),
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w, closer = lj, lj
	}

	var logger log.Logger
	if strings.ToLower(c.Format) == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	logger = level.NewFilter(logger, levelOption(c.Level))
	return logger, closer, nil
}

func levelOption(s string) level.Option {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
