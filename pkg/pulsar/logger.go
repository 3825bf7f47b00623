package pulsar

import (
	plog "github.com/apache/pulsar-client-go/pulsar/log"
	"go.uber.org/zap"
)

// zapLogger routes the client's internal logs through the process logger.
// It serves as both plog.Logger and plog.Entry.
type zapLogger struct {
	log *zap.SugaredLogger
}

var (
	_ plog.Logger = zapLogger{}
	_ plog.Entry  = zapLogger{}
)

func newZapLogger(log *zap.SugaredLogger) zapLogger {
	return zapLogger{log: log}
}

func (l zapLogger) SubLogger(fields plog.Fields) plog.Logger { return l.with(fields) }

func (l zapLogger) WithFields(fields plog.Fields) plog.Entry { return l.with(fields) }

func (l zapLogger) WithField(name string, value interface{}) plog.Entry {
	return zapLogger{log: l.log.With(name, value)}
}

func (l zapLogger) WithError(err error) plog.Entry {
	return zapLogger{log: l.log.With("error", err)}
}

func (l zapLogger) with(fields plog.Fields) zapLogger {
	kv := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return zapLogger{log: l.log.With(kv...)}
}

// The client is chatty at info; demote it to debug.
func (l zapLogger) Debug(args ...interface{}) { l.log.Debug(args...) }
func (l zapLogger) Info(args ...interface{})  { l.log.Debug(args...) }
func (l zapLogger) Warn(args ...interface{})  { l.log.Warn(args...) }
func (l zapLogger) Error(args ...interface{}) { l.log.Error(args...) }

func (l zapLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})  { l.log.Debugf(format, args...) }
func (l zapLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l zapLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
