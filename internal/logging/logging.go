// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logging wraps the standard library logger with a component-name
// prefix ("[registry] ...", "[queue] ..."), applied uniformly across every
// package in this module.
package logging

import (
	"log"
	"os"
)

// Logger is a thin, component-tagged wrapper over *log.Logger.
type Logger struct {
	*log.Logger
}

// New returns a Logger tagging every line with "[component] ".
func New(component string) *Logger {
	return &Logger{log.New(os.Stderr, "["+component+"] ", log.LstdFlags)}
}

// With returns a copy of l with an additional ".sub" suffix on the
// component tag, for sub-components of a larger package (e.g. the queue's
// stall reaper logging under "[queue.reaper]").
func (l *Logger) With(sub string) *Logger {
	return &Logger{log.New(os.Stderr, trimPrefix(l.Logger)+"."+sub+"] ", log.LstdFlags)}
}

func trimPrefix(l *log.Logger) string {
	p := l.Prefix()
	if len(p) > 0 && p[len(p)-1] == ' ' {
		p = p[:len(p)-1]
	}
	if len(p) > 0 && p[len(p)-1] == ']' {
		p = p[:len(p)-1]
	}
	return p
}
