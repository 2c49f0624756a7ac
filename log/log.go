// Package log wires the logiface facade to the stumpy encoder, providing
// one shared structured-logger type for every other package in this
// module, the same way the pack's ilogrus/izerolog/logiface-slog packages
// each bind logiface to one backend.
package log

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type threaded through silo, transport,
// membership, registry, and actor construction.
type Logger = *logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w at the given
// level. A nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](level),
		stumpy.WithStumpy(stumpy.WithWriter(w)),
	)
}

// Nop returns a Logger with logging disabled, for components that are not
// given an explicit logger via their Option constructor.
func Nop() Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// Default is a ready-made informational-level logger writing to stderr.
// Components constructed without an explicit WithLogger option use Nop,
// not Default.
var Default = New(os.Stderr, logiface.LevelInformational)
