package client

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// supervise runs fn and turns a panic into an error.
func supervise(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			log.Error().
				Str("module", "client").
				Str("component", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered")
		}
	}()
	fn()
	return nil
}
