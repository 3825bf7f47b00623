package utils

import (
	"fmt"

	"go.uber.org/zap"
)

// NewSugaredLogger creates a sugared logger based on the verbose flag.
// If verbose is true, it creates a development logger, otherwise a production logger.
// Every entry carries the service name so bridge logs can be told apart in a
// shared sink.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
	} else {
		l, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create production logger: %w", err)
		}
	}
	return l.Named("bulkbridge").Sugar(), nil
}

// Component returns a child logger tagged with the pipeline component name.
func Component(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return log.Named(name).With("component", name)
}
