// Package goid identifies the calling goroutine, for the loop-thread and
// re-entrancy assertions.
package goid

import (
	"runtime"
)

// Current returns the current goroutine's ID, parsed from the runtime stack
// header ("goroutine N [...]"). Zero is never a valid ID.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
