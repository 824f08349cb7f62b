//go:build debug

// Package debug provides assertions compiled in only under the "debug"
// build tag, in the shape of the teacher's cmn/debug.
package debug

import "fmt"

const enabled = true

// Assert panics with args if cond is false.
func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

// AssertNoErr panics if err is non-nil.
func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

func Enabled() bool { return enabled }
