package main

import (
	"fmt"
	"os"

	"github.com/odvcencio/conductor/pkg/completion"
	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/engine"
	"github.com/odvcencio/conductor/pkg/engine/claudecli"
	"github.com/odvcencio/conductor/pkg/engine/scripted"
	apperrors "github.com/odvcencio/conductor/pkg/errors"
	"github.com/odvcencio/conductor/pkg/logging"
)

// executable is swapped in tests.
var executable = os.Executable

func buildEngine(cfg *config.Config, workDir string, logger *logging.Logger) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case config.EngineKindScript:
		script, err := scripted.Load(cfg.Engine.Script)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "failed to load engine script").
				WithContext("script", cfg.Engine.Script)
		}
		return scripted.New(script, cfg.CompletionToolName()), nil

	case config.EngineKindClaude:
		self, err := executable()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeEngineStart, "failed to locate the conductor executable")
		}
		mcpConfig, err := completion.EngineConfig(cfg.Session.MCPServerName, self,
			completionServerCmd,
			"--server-name", cfg.Session.MCPServerName,
			"--tool", cfg.Session.CompletionTool,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to build MCP config")
		}
		return claudecli.New(claudecli.Options{
			Binary:               cfg.Engine.Binary,
			Model:                cfg.Engine.Model,
			ExtraArgs:            cfg.Engine.ExtraArgs,
			MCPConfig:            mcpConfig,
			WorkDir:              workDir,
			StderrLinesPerSecond: cfg.Engine.StderrLinesPerSecond,
			Logger:               logger,
		}), nil
	}
	return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, fmt.Sprintf("unknown engine kind %q", cfg.Engine.Kind))
}
