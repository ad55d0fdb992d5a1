package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/outreach-orchestrator/internal/config"
)

// SetupLogger configures the process-wide slog logger. LOG_FORMAT selects the
// JSON handler (default) or a console-friendly text handler.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "console") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
