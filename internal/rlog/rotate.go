package rlog

import "gopkg.in/natefinch/lumberjack.v2"

// maxBackups keeps a single rotated backup. lumberjack rotates once a write
// would take the file past MaxSize, names the backup with a timestamp
// suffix (not ".1"), and keeps the active file open between writes rather
// than reopening it for each write. No bespoke rotation logic is used here
// (see DESIGN.md).
const maxBackups = 1

// newRotatingFile builds the rotating io.Writer behind the file-logging
// branch of New. maxBytes is in bytes; lumberjack.MaxSize is in MiB, so it's
// rounded up to at least 1 MiB.
func newRotatingFile(path string, maxBytes int64) *lumberjack.Logger {
	if maxBytes <= 0 {
		maxBytes = 5 * 1024 * 1024
	}
	maxMB := maxBytes / (1024 * 1024)
	if maxBytes%(1024*1024) != 0 || maxMB == 0 {
		maxMB++
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    int(maxMB),
		MaxBackups: maxBackups,
		Compress:   false,
	}
}
