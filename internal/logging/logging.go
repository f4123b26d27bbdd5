// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures the process-wide log output: stdout plus a
// size-rotated file so a long-running relay never fills the disk.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup directs the standard logger to stdout and, when dir is non-empty, a
// rotating file under it. Rotation keeps three 10 MB files.
func Setup(dir string) {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if dir == "" {
		log.SetOutput(os.Stdout)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "relay.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}
