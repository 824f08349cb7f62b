//go:build !debug

package debug

const enabled = false

func Assert(cond bool, args ...any) {}

func AssertNoErr(err error) {}

func Enabled() bool { return enabled }
