package fetch

import (
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// LeveledLogrus feeds retryablehttp's leveled key/value logging into logrus.
type LeveledLogrus struct {
	*logrus.Logger
}

func NewRHLeveledLogger(logger *logrus.Logger) rh.LeveledLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return rh.LeveledLogger(&LeveledLogrus{logger})
}

// retry messages are the one debug-level thing an operator watching a stuck
// download wants to see, so they get promoted to info
const monitoringKeyword = "retrying"

func fields(keysAndValues ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})

	for i := 0; i < len(keysAndValues)-1; i += 2 {
		fields[keysAndValues[i].(string)] = keysAndValues[i+1]
	}

	return fields
}

func (l *LeveledLogrus) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues...)).Error(msg)
}

func (l *LeveledLogrus) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues...)).Info(msg)
}

func (l *LeveledLogrus) Debug(msg string, keysAndValues ...interface{}) {
	if strings.Contains(msg, monitoringKeyword) {
		l.WithFields(fields(keysAndValues...)).Info(msg)
	} else {
		l.WithFields(fields(keysAndValues...)).Debug(msg)
	}
}

func (l *LeveledLogrus) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues...)).Warn(msg)
}
