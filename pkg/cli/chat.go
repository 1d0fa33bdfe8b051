package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/k-hirata/manabu/pkg/model"
)

func chatCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		userID    string
		role      string
		mode      string
		language  string
		filters   []string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session ID to resume (generated when omitted)",
			Sources:     cli.EnvVars("MANABU_SESSION_ID"),
			Destination: &sessionID,
		},
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "User ID",
			Sources:     cli.EnvVars("MANABU_USER_ID"),
			Destination: &userID,
		},
		&cli.StringFlag{
			Name:        "role",
			Usage:       "User role (student or teacher)",
			Value:       string(model.UserRoleStudent),
			Sources:     cli.EnvVars("MANABU_ROLE"),
			Destination: &role,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "Response mode (standard or interactive)",
			Value:       string(model.ModeStandard),
			Destination: &mode,
		},
		&cli.StringFlag{
			Name:        "language",
			Aliases:     []string{"l"},
			Usage:       "Response language code (detected when omitted)",
			Destination: &language,
		},
		&cli.StringSliceFlag{
			Name:        "filter",
			Aliases:     []string{"f"},
			Usage:       "Retrieval filter as key=value (repeatable)",
			Destination: &filters,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive tutoring session",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogging()

			filterMap, err := parseFilters(filters)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			pipeline, closer, err := cfg.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer closer()

			rl, err := readline.New("> ")
			if err != nil {
				return goerr.Wrap(err, "failed to initialize prompt")
			}
			defer rl.Close()

			w := c.Root().Writer
			fmt.Fprintf(w, "Session %s started. Type 'exit' to quit.\n", sessionID)

			for {
				line, err := rl.Readline()
				if err != nil {
					if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
						break
					}
					return goerr.Wrap(err, "failed to read input")
				}

				query := strings.TrimSpace(line)
				if query == "" {
					continue
				}
				if query == "exit" || query == "quit" {
					break
				}

				sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
					spinner.WithSuffix(" thinking..."))
				sp.Start()

				resp, err := pipeline.Ask(ctx, &model.ChatRequest{
					SessionID: model.SessionID(sessionID),
					UserID:    model.UserID(userID),
					Role:      model.UserRole(role),
					Query:     query,
					Language:  language,
					Mode:      model.Mode(mode),
					Filters:   filterMap,
				})
				sp.Stop()

				if err != nil {
					fmt.Fprintf(w, "error: %v\n", err)
					continue
				}
				printResponse(c, resp)
				fmt.Fprintln(w)
			}

			fmt.Fprintf(w, "\nSession ended\n")
			return nil
		},
	}
}
