package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/feedcache"
)

// Logger adapts a zerolog.Logger.
type Logger struct{ L zerolog.Logger }

var _ feedcache.Logger = Logger{}

func New(l zerolog.Logger) Logger {
	return Logger{L: l.With().Str("component", "feedcache").Logger()}
}

func (z Logger) Debug(msg string, f feedcache.Fields) { z.write(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f feedcache.Fields)  { z.write(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f feedcache.Fields)  { z.write(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f feedcache.Fields) { z.write(z.L.Error(), msg, f) }

// write is a no-op for disabled levels (zerolog returns a nil event).
func (z Logger) write(ev *zerolog.Event, msg string, f feedcache.Fields) {
	if ev == nil {
		return
	}
	for k, v := range f {
		if err, ok := v.(error); ok {
			ev = ev.AnErr(k, err)
			continue
		}
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
