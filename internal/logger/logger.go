package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Init replaces the global zap logger. "development" gets a console
// encoder at debug level, anything else production JSON.
func Init(env string) error {
	var (
		l   *zap.Logger
		err error
	)
	switch env {
	case "development", "dev", "test":
		l, err = zap.NewDevelopment()
	default:
		l, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to build logger -> %w", err)
	}
	zap.ReplaceGlobals(l)
	return nil
}
