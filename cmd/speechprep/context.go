package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/maauso/speechprep/internal/config"
)

type commandContext struct {
	logLevelFlag  *string
	logFormatFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(logLevelFlag, logFormatFlag *string) *commandContext {
	return &commandContext{
		logLevelFlag:  logLevelFlag,
		logFormatFlag: logFormatFlag,
	}
}

// ensureConfig loads the environment configuration once and applies the
// global logging flags on top of it.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.LogLevel = strings.TrimSpace(*c.logLevelFlag)
		}
		if c.logFormatFlag != nil && strings.TrimSpace(*c.logFormatFlag) != "" {
			cfg.LogFormat = strings.TrimSpace(*c.logFormatFlag)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger returns a logger writing to the command's error stream.
func (c *commandContext) logger(cmd *cobra.Command) *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil || cfg == nil {
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	}
	return cfg.NewLoggerTo(cmd.ErrOrStderr())
}
