// Package goid identifies the calling goroutine.
package goid

import "runtime"

const header = "goroutine "

// Current returns the ID of the calling goroutine.
//
// The ID is parsed out of the first line of runtime.Stack, which is of the
// form "goroutine 123 [running]:". The runtime never reuses an ID while the
// goroutine is alive, which is the only property callers rely on. Costs a
// stack dump (~µs), so callers cache it per goroutine.
func Current() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parse(buf[:n])
}

func parse(buf []byte) int64 {
	if len(buf) < len(header) || string(buf[:len(header)]) != header {
		return 0
	}
	var id int64
	for _, c := range buf[len(header):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
