package whatsapp

import (
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// walogger routes whatsmeow's internal logging onto slog.
type walogger struct {
	logger *slog.Logger
}

func newWALogger(logger *slog.Logger, module string) waLog.Logger {
	return walogger{logger: logger.With("module", module)}
}

func (l walogger) Debugf(msg string, args ...any) { l.logger.Debug(fmt.Sprintf(msg, args...)) }
func (l walogger) Infof(msg string, args ...any)  { l.logger.Debug(fmt.Sprintf(msg, args...)) }
func (l walogger) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l walogger) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...)) }

func (l walogger) Sub(module string) waLog.Logger {
	return walogger{logger: l.logger.With("module", strings.ToLower(module))}
}
