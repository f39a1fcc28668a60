// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// A FileWriter appends handled log lines to a file, creating it on first
// use. It is registered as a message handler on a Logger.
type FileWriter struct {
	path string
	mut  sync.Mutex
	file *os.File
	err  error
}

func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

// Handle implements MessageHandler.
func (w *FileWriter) Handle(level LogLevel, msg string) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if w.file == nil && w.err == nil {
		w.file, w.err = os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	}
	if w.err != nil {
		return
	}

	prefix := ""
	switch level {
	case LevelDebug:
		prefix = "DEBUG: "
	case LevelVerbose:
		prefix = "VERBOSE: "
	case LevelInfo:
		prefix = "INFO: "
	case LevelWarn:
		prefix = "WARNING: "
	}
	fmt.Fprintf(w.file, "%s %s%s\n", time.Now().Format("2006/01/02 15:04:05"), prefix, msg)
}

func (w *FileWriter) Close() error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.file == nil {
		return w.err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Path returns the location of the log file, for serving it over the API.
func (w *FileWriter) Path() string {
	return w.path
}
