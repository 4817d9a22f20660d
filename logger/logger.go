package logger

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// SetLevelByName accepts the usual logrus level names (debug, info, warn, error).
func SetLevelByName(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", name, err)
	}
	log.SetLevel(level)
	return nil
}

func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

func Debug(msg string, keysAndValues ...any) {
	withFields(keysAndValues).Debug(msg)
}

func Info(msg string, keysAndValues ...any) {
	withFields(keysAndValues).Info(msg)
}

func Warn(msg string, keysAndValues ...any) {
	withFields(keysAndValues).Warn(msg)
}

func Error(msg string, keysAndValues ...any) {
	withFields(keysAndValues).Error(msg)
}

func withFields(keysAndValues []any) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return logrus.NewEntry(log)
	}

	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return log.WithFields(fields)
}
