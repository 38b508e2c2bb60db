package log

// Trace logs a message at trace level.
func Trace(msg string) {
	if fastcheck(TraceLevel) {
		backend.Trace(msg)
	}
}

// Tracef logs a formatted message at trace level.
func Tracef(format string, things ...interface{}) {
	if fastcheck(TraceLevel) {
		backend.Tracef(format, things...)
	}
}

// Debug logs a message at debug level.
func Debug(msg string) {
	if fastcheck(DebugLevel) {
		backend.Debug(msg)
	}
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, things ...interface{}) {
	if fastcheck(DebugLevel) {
		backend.Debugf(format, things...)
	}
}

// Info logs a message at info level.
func Info(msg string) {
	if fastcheck(InfoLevel) {
		backend.Info(msg)
	}
}

// Infof logs a formatted message at info level.
func Infof(format string, things ...interface{}) {
	if fastcheck(InfoLevel) {
		backend.Infof(format, things...)
	}
}

// Warning logs a message at warning level.
func Warning(msg string) {
	if fastcheck(WarningLevel) {
		backend.Warning(msg)
	}
}

// Warningf logs a formatted message at warning level.
func Warningf(format string, things ...interface{}) {
	if fastcheck(WarningLevel) {
		backend.Warningf(format, things...)
	}
}

// Error logs a message at error level.
func Error(msg string) {
	if fastcheck(ErrorLevel) {
		backend.Error(msg)
	}
}

// Errorf logs a formatted message at error level.
func Errorf(format string, things ...interface{}) {
	if fastcheck(ErrorLevel) {
		backend.Errorf(format, things...)
	}
}

// Critical logs a message at critical level.
func Critical(msg string) {
	if fastcheck(CriticalLevel) {
		backend.WithField("critical", true).Error(msg)
	}
}

// Criticalf logs a formatted message at critical level.
func Criticalf(format string, things ...interface{}) {
	if fastcheck(CriticalLevel) {
		backend.WithField("critical", true).Errorf(format, things...)
	}
}
