package main

import (
	"bufio"
	"fmt"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/jsonbatch"
	"github.com/Sternrassler/odata-batch/pkg/mixed"
	"github.com/Sternrassler/odata-batch/pkg/upstream"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		baseURL         string
		format          string
		boundary        string
		continueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a batch payload against the upstream service",
		Long: `Executes a batch payload once and writes the composite response to stdout.
FILE may be "-" to read from stdin. The format is detected from the payload
unless --format is given.`,
		Example: `  odata-batch run batch.json --base-url http://localhost:4004/odata/
  odata-batch run changes.txt --continue-on-error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL != "" {
				a.cfg.Upstream.BaseURL = baseURL
			}
			data, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			requests, opts, err := decodePayload(data, format, boundary)
			if err != nil {
				return err
			}
			opts.ContinueOnError = continueOnError

			client, err := upstream.New(a.cfg.Upstream.Client())
			if err != nil {
				return fmt.Errorf("create upstream client: %w", err)
			}
			processor, err := batch.NewProcessor(client, a.cfg.Batch.Processor())
			if err != nil {
				return err
			}
			ex, err := batch.NewExecution(requests, opts)
			if err != nil {
				return err
			}

			batchErr := processor.Process(cmd.Context(), ex)

			out := bufio.NewWriter(cmd.OutOrStdout())
			switch ex.Semantics() {
			case batch.SemanticsMultipart:
				err = mixed.Encode(out, ex, ex.Boundary())
			default:
				err = jsonbatch.Encode(out, ex)
			}
			if err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
			if err := out.Flush(); err != nil {
				return err
			}

			if batchErr != nil {
				return fmt.Errorf("batch finished with error: %w", batchErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "upstream service root (overrides upstream.base_url)")
	cmd.Flags().StringVar(&format, "format", "", "payload format: json or multipart (default: detect)")
	cmd.Flags().StringVar(&boundary, "boundary", "", "multipart boundary (default: detect)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep executing after a failed sub-request")
	return cmd
}
