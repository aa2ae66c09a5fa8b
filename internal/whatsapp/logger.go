package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// bridgeLogger routes whatsmeow's waLog.Logger into our L_* functions.
// whatsmeow is chatty at debug, so its debug output goes to trace.
type bridgeLogger struct {
	module string
}

var _ waLog.Logger = (*bridgeLogger)(nil)

func (l *bridgeLogger) Debugf(msg string, args ...interface{}) {
	L_trace(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Infof(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *bridgeLogger) Sub(module string) waLog.Logger {
	return &bridgeLogger{module: l.module + "/" + module}
}
