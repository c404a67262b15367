/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// dnsLogger is the per-zone logger type threaded through SignContext.
// Grounded on logging.go's SetupLogging, which rotates via lumberjack
// rather than relying on external logrotate.
type dnsLogger = log.Logger

// defaultLogger is used before a zone-specific logger is attached (e.g.
// while the Keyring is still loading keys), matching the teacher's mix of
// zd.Logger.Printf and bare log.Printf calls.
var defaultLogger = log.New(os.Stderr, "", log.LstdFlags)

// SetupLogging creates a logger that writes to logfile, rotating via
// lumberjack once it exceeds maxSizeMB (0 means lumberjack's default of
// 100 MB). An empty logfile returns the stderr default logger.
func SetupLogging(logfile string, maxSizeMB, maxBackups, maxAgeDays int) *log.Logger {
	if logfile == "" {
		return defaultLogger
	}
	w := &lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}
