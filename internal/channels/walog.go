package channels

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow logging into slog.
type slogLogger struct {
	l      *slog.Logger
	module string
}

// NewWALogger returns a whatsmeow logger writing to l under module.
func NewWALogger(l *slog.Logger, module string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l, module: module}
}

func (s *slogLogger) log(level slog.Level, msg string, args []interface{}) {
	s.l.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *slogLogger) Errorf(msg string, args ...interface{}) { s.log(slog.LevelError, msg, args) }
func (s *slogLogger) Warnf(msg string, args ...interface{})  { s.log(slog.LevelWarn, msg, args) }
func (s *slogLogger) Infof(msg string, args ...interface{})  { s.log(slog.LevelInfo, msg, args) }
func (s *slogLogger) Debugf(msg string, args ...interface{}) { s.log(slog.LevelDebug, msg, args) }

func (s *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{l: s.l, module: s.module + "/" + module}
}
