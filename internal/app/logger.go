package app

import (
	"fmt"

	"github.com/tallyhq/tally/pkg/logger"
)

// ConfigureLogging initialises the global logger from the configured level.
func ConfigureLogging(level string) error {
	if err := logger.Init(level); err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	return nil
}
