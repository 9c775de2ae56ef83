// Package logctx provides the leveled-logging mixin embedded into every
// long-lived actor in this module (PaxosServer, PaxosClient, Rebalancer,
// Doughnut): a Debugf/Infof/Warnf/Errorf method-call convention backed by
// logrus instead of a hand-rolled wrapper.
package logctx

import "github.com/sirupsen/logrus"

// Logger is embedded by value into actor structs so they gain
// Debugf/Infof/Warnf/Errorf methods scoped to a component name.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagging every message with component=name and any
// extra fields (typically the local node id or block address).
func New(name string, fields logrus.Fields) Logger {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = name
	return Logger{entry: logrus.WithFields(fields)}
}

func (l Logger) with(fields logrus.Fields) *logrus.Entry {
	if l.entry == nil {
		return logrus.WithFields(fields)
	}
	return l.entry.WithFields(fields)
}

func (l Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithField returns a derived Logger carrying one extra field, for a
// single debug line annotated inline (e.g. "Elected leader:", leader).
func (l Logger) WithField(key string, value interface{}) Logger {
	return Logger{entry: l.with(logrus.Fields{key: value})}
}
