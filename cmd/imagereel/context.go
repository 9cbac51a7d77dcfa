package main

import (
	"io"
	"log/slog"
	"sync"

	"github.com/maauso/imagereel/internal/config"
)

// commandContext loads the environment configuration once per invocation.
type commandContext struct {
	jsonOutput bool
	verbose    bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

// logger writes to w at the configured level when --verbose is set and
// discards everything otherwise.
func (c *commandContext) logger(w io.Writer) *slog.Logger {
	if !c.verbose || c.config == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.config.NewLoggerTo(w)
}
