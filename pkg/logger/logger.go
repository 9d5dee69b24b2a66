package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.RWMutex
	base = zap.Must(zap.NewDevelopment()).Sugar()
)

// Init replaces the default logger. mode is "prod"/"production" for JSON
// output, anything else builds a development logger.
func Init(mode string) error {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	mu.Lock()
	base = logger.Sugar()
	mu.Unlock()
	return nil
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func Debugf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Fatalf(format, args...)
}
