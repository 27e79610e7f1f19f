package session

import (
	"bytes"
	"runtime"
	"strconv"
)

// goid returns the id of the calling goroutine, parsed from the stack
// header. It is how the session knows which task body a create-task call
// came from when the parallel plugin runs bodies on worker goroutines.
func goid() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	// The header looks like "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
