package logger

import (
	"github.com/teranos/pulse/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers. The glyph goes into a structured field, not the message,
// so logs stay queryable by symbol.
//
//	logger.PulseInfow(log, "Trigger fired", logger.FieldTrigger, key)

func withSymbol(symbol string, keysAndValues []interface{}) []interface{} {
	return append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
}

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, withSymbol(sym.Pulse, keysAndValues)...)
}

// PulseDebugw logs a debug message with the Pulse symbol (꩜)
func PulseDebugw(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, withSymbol(sym.Pulse, keysAndValues)...)
}

// PulseWarnw logs a warning message with the Pulse symbol (꩜)
func PulseWarnw(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, withSymbol(sym.Pulse, keysAndValues)...)
}

// PulseErrorw logs an error message with the Pulse symbol (꩜)
func PulseErrorw(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, withSymbol(sym.Pulse, keysAndValues)...)
}

// PulseOpenInfow logs startup and recovery with the PulseOpen symbol (✿)
func PulseOpenInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, withSymbol(sym.PulseOpen, keysAndValues)...)
}

// PulseCloseInfow logs shutdown with the PulseClose symbol (❀)
func PulseCloseInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, withSymbol(sym.PulseClose, keysAndValues)...)
}

// DBWarnw logs a storage warning with the DB symbol (⊔)
func DBWarnw(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, withSymbol(sym.DB, keysAndValues)...)
}

// ClusterInfow logs cluster membership events with the Cluster symbol (⋈)
func ClusterInfow(l *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, withSymbol(sym.Cluster, keysAndValues)...)
}
