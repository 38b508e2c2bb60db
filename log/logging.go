package log

import (
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Severity describes a log level.
type Severity uint32

// Log levels, in ascending order of importance.
const (
	TraceLevel    Severity = 1
	DebugLevel    Severity = 2
	InfoLevel     Severity = 3
	WarningLevel  Severity = 4
	ErrorLevel    Severity = 5
	CriticalLevel Severity = 6
)

var (
	logLevel = new(uint32)
	backend  = logrus.New()
)

func init() {
	backend.SetOutput(os.Stderr)
	backend.SetLevel(logrus.TraceLevel)
	backend.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "060102 15:04:05.000",
	})
	SetLogLevel(InfoLevel)
}

// SetLogLevel sets the minimum severity that will be logged.
func SetLogLevel(level Severity) {
	atomic.StoreUint32(logLevel, uint32(level))
}

// GetLogLevel returns the current minimum severity.
func GetLogLevel() Severity {
	return Severity(atomic.LoadUint32(logLevel))
}

func fastcheck(level Severity) bool {
	return uint32(level) >= atomic.LoadUint32(logLevel)
}

func (s Severity) String() string {
	switch s {
	case TraceLevel:
		return "TRAC"
	case DebugLevel:
		return "DEBU"
	case InfoLevel:
		return "INFO"
	case WarningLevel:
		return "WARN"
	case ErrorLevel:
		return "ERRO"
	case CriticalLevel:
		return "CRIT"
	default:
		return "NONE"
	}
}
