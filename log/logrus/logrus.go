package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/feedcache"
)

// Logger adapts a *logrus.Entry; every line carries component=feedcache.
type Logger struct{ E *logrus.Entry }

var _ feedcache.Logger = Logger{}

func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "feedcache")}
}

func (l Logger) Debug(msg string, f feedcache.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f feedcache.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f feedcache.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f feedcache.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
