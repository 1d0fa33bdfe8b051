package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/service/retriever"
	"github.com/k-hirata/manabu/pkg/utils/logging"
)

// ingestRecord is one line of ingest input.
type ingestRecord struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func ingestCommand() *cli.Command {
	var (
		cfg    config
		input  string
		object string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Path to JSON Lines file of documents ('-' for stdin)",
			Destination: &input,
		},
		&cli.StringFlag{
			Name:        "object",
			Aliases:     []string{"o"},
			Usage:       "Read documents from this object in the configured bucket",
			Destination: &object,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Index lecture material for retrieval",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogging()

			r, err := openIngestSource(ctx, &cfg, input, object)
			if err != nil {
				return err
			}
			defer r.Close()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			logger := logging.Default()
			count := 0
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}

				var rec ingestRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					return goerr.Wrap(err, "failed to parse document line", goerr.V("line", count+1))
				}
				if rec.Text == "" {
					logger.Warn("skipping document with empty text", "line", count+1)
					continue
				}

				embedding, err := gemini.Embedding(ctx, rec.Text)
				if err != nil {
					return goerr.Wrap(err, "failed to embed document", goerr.V("line", count+1))
				}

				doc := &model.Document{
					ID:          model.DocumentID(rec.ID),
					Text:        rec.Text,
					Metadata:    rec.Metadata,
					Embedding:   firestore.Vector32(embedding),
					SparseTerms: retriever.EncodeSparse(rec.Text),
				}
				if err := repo.PutDocument(ctx, doc); err != nil {
					return goerr.Wrap(err, "failed to store document", goerr.V("line", count+1))
				}
				count++
			}
			if err := scanner.Err(); err != nil {
				return goerr.Wrap(err, "failed to read input")
			}

			fmt.Fprintf(c.Root().Writer, "Ingested %d documents\n", count)
			return nil
		},
	}
}

func openIngestSource(ctx context.Context, cfg *config, input, object string) (io.ReadCloser, error) {
	switch {
	case object != "":
		storage, err := cfg.newStorage(ctx)
		if err != nil {
			return nil, err
		}
		if storage == nil {
			return nil, goerr.New("bucket is required when reading from an object")
		}
		return storage.Get(ctx, object)
	case input == "" || input == "-":
		return io.NopCloser(os.Stdin), nil
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open input file", goerr.V("path", input))
		}
		return f, nil
	}
}
