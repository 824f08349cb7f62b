// Package idgen mints the opaque identifiers used throughout the
// system: request ids and migration group names.
package idgen

import (
	"fmt"

	"github.com/teris-io/shortid"
)

var gen *shortid.Shortid

func init() {
	var err error
	gen, err = shortid.New(1, shortid.DefaultABC, 0xB16B00B5)
	if err != nil {
		panic(fmt.Sprintf("idgen: failed to init shortid generator: %v", err))
	}
}

func NewRequestID() string {
	id, err := gen.Generate()
	if err != nil {
		// shortid only fails on counter exhaustion within a worker/epoch;
		// fall back to a counter-based id rather than returning an error
		// from a call site that has no recovery path.
		return fmt.Sprintf("req-fallback-%d", fallbackCounter.add())
	}
	return "req-" + id
}

func NewGroupName() string {
	id, err := gen.Generate()
	if err != nil {
		return fmt.Sprintf("grp-fallback-%d", fallbackCounter.add())
	}
	return "grp-" + id
}

type counter struct{ n int64 }

func (c *counter) add() int64 {
	c.n++
	return c.n
}

var fallbackCounter = &counter{}
