// Package simlog builds the process's zap logger, following the same
// "construct once in main, thread through constructors" shape the teacher
// uses for its *log.Logger calls — upgraded to structured logging since
// this corpus's fleet-management repos reach for go.uber.org/zap rather
// than the standard library's bare log package.
package simlog

import "go.uber.org/zap"

// New builds a production-style logger, or a development one (human
// readable, debug-enabled) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}
