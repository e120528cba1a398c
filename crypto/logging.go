package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper builds log entries carrying the standard function and package
// fields.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper for function in package pkg.
func NewLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  pkg,
		},
	}
}

// WithField adds a custom field to the logger
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds multiple custom fields to the logger
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithPeer adds the short form of a node id under key.
func (l *LoggerHelper) WithPeer(key string, id NodeID) *LoggerHelper {
	l.fields[key] = id.Short()
	return l
}

// WithError adds error information to the logger
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	if err != nil {
		l.fields["error"] = err.Error()
	}
	l.fields["operation"] = operation
	return l
}

// Fields returns the accumulated fields.
func (l *LoggerHelper) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

func (l *LoggerHelper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *LoggerHelper) Info(message string)  { logrus.WithFields(l.fields).Info(message) }
func (l *LoggerHelper) Warn(message string)  { logrus.WithFields(l.fields).Warn(message) }
func (l *LoggerHelper) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// KeyPreview returns a loggable preview of key material: the first 4 bytes in
// hex and the length, never the whole key.
func KeyPreview(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := 4
		if len(data) < n {
			n = len(data)
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
