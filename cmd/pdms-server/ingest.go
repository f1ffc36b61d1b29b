package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dialysis/pdms/internal/config"
	"github.com/dialysis/pdms/internal/platform/events"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an HL7 v2 file (single message or batch) and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			return runIngest(cmd.Context(), file, tenant, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("file", "", "HL7 file to ingest, - for stdin")
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

func runIngest(ctx context.Context, file, tenant string, stdin io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := readInput(file, stdin)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	// Logs go to stderr so stdout carries only the result.
	logger := newLogger(cfg).Output(os.Stderr)

	st, err := openStorage(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.close()

	_, pipeline, err := newDomain(cfg, st, logger)
	if err != nil {
		return err
	}

	result, err := pipeline.IngestBatch(ctx, tenant, string(raw))
	if err != nil {
		return err
	}

	// Publish what the run committed before exiting.
	pub, closePub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePub()
	if n, err := events.NewRelay(st.outbox, pub, logger).Flush(ctx); err != nil {
		logger.Warn().Err(err).Int("published", n).Msg("outbox flush")
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readInput(file string, stdin io.Reader) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return data, nil
}
