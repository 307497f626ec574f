package io

import (
	"fmt"
	"runtime"
)

// GetCallerFileContext returns "file:line" of the caller, used to tag
// internal-error class failures.
func GetCallerFileContext(level int) (fileContext string) {
	_, file, line, _ := runtime.Caller(1 + level)
	return fmt.Sprintf("%s:%d", file, line)
}
