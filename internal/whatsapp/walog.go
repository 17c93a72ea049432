package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger routes whatsmeow logs into zap. whatsmeow debug output is dropped.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewWALogger wraps l as a whatsmeow logger
func NewWALogger(l *zap.Logger) waLog.Logger {
	return zapLogger{s: l.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel)).Sugar()}
}

func (z zapLogger) Warnf(msg string, args ...interface{})  { z.s.Warnf(msg, args...) }
func (z zapLogger) Errorf(msg string, args ...interface{}) { z.s.Errorf(msg, args...) }
func (z zapLogger) Infof(msg string, args ...interface{})  { z.s.Infof(msg, args...) }
func (z zapLogger) Debugf(msg string, args ...interface{}) { z.s.Debugf(msg, args...) }

func (z zapLogger) Sub(module string) waLog.Logger {
	return zapLogger{s: z.s.Named(module)}
}
