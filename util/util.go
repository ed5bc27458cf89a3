package util

import (
	log "github.com/sirupsen/logrus"
)

// Debug is the verbosity threshold for DPrintf. Messages at a level above
// Debug are suppressed.
const Debug uint64 = 1

func init() {
	log.SetLevel(log.DebugLevel)
}

// DPrintf logs a debug message at the given verbosity level.
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Debugf(format, a...)
	}
}

// RoundUp divides n by sz, rounding up.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

// CloneByteSlice returns a copy of b.
func CloneByteSlice(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
