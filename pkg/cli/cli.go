package cli

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/k-hirata/manabu/pkg/utils/logging"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "manabu",
		Usage: "Conversational tutor over ingested lecture material",
		Commands: []*cli.Command{
			askCommand(),
			chatCommand(),
			ingestCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func (cfg *config) setupLogging() {
	logging.SetDefault(logging.New(cfg.logLevel, os.Stderr))
}
