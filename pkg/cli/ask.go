package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/k-hirata/manabu/pkg/model"
)

func askCommand() *cli.Command {
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
			Usage:       "Session ID (generated when omitted)",
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
		Name:      "ask",
		Usage:     "Ask a single question",
		ArgsUsage: "<question>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return goerr.New("question argument is required")
			}
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

			resp, err := pipeline.Ask(ctx, &model.ChatRequest{
				SessionID: model.SessionID(sessionID),
				UserID:    model.UserID(userID),
				Role:      model.UserRole(role),
				Query:     query,
				Language:  language,
				Mode:      model.Mode(mode),
				Filters:   filterMap,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to answer question")
			}

			printResponse(c, resp)
			return nil
		},
	}
}

func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, goerr.New("filter must be key=value", goerr.V("filter", pair))
		}
		filters[key] = value
	}
	return filters, nil
}

func printResponse(c *cli.Command, resp *model.ChatResponse) {
	w := c.Root().Writer
	fmt.Fprintf(w, "%s\n", resp.Message)

	if len(resp.Citations) > 0 {
		fmt.Fprintf(w, "\nSources:\n")
		for i, citation := range resp.Citations {
			line := fmt.Sprintf("  [%d] score=%.2f", i+1, citation.Score)
			if citation.Subject != "" {
				line += " subject=" + citation.Subject
			}
			if citation.Chapter != "" {
				line += " chapter=" + citation.Chapter
			}
			if citation.LectureRef != "" {
				line += " lecture=" + citation.LectureRef
			}
			fmt.Fprintf(w, "%s\n", line)
		}
	}
	if resp.LowConfidence {
		fmt.Fprintf(w, "\n(low confidence: please verify this answer)\n")
	}
}
