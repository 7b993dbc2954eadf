package main

import (
	"bufio"
	"fmt"

	"github.com/Sternrassler/odata-batch/pkg/jsonbatch"
	"github.com/Sternrassler/odata-batch/pkg/mixed"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newConvertCmd(_ *app) *cobra.Command {
	var format, boundary, to string

	cmd := &cobra.Command{
		Use:   "convert FILE",
		Short: "Convert a batch payload between multipart and JSON",
		Long: `Decodes and validates a batch payload and writes it in the other format.
Multipart change sets become atomicity groups and implicit ordering becomes
explicit dependsOn entries. In multipart output dependencies are implied by
document order; a dependsOn entry that order cannot express is an error.
Converting to multipart prints the content type to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			requests, opts, err := decodePayload(data, format, boundary)
			if err != nil {
				return err
			}

			target := to
			if target == "" {
				target = formatJSON
				if opts.Boundary == "" {
					target = formatMultipart
				}
			}

			out := bufio.NewWriter(cmd.OutOrStdout())
			switch target {
			case formatJSON:
				err = jsonbatch.EncodeRequests(out, requests)
			case formatMultipart:
				b := "batch_" + uuid.NewString()
				cmd.PrintErrf("Content-Type: %s\n", mixed.ContentType(b))
				err = mixed.EncodeRequests(out, requests, b)
			default:
				return fmt.Errorf("unknown target format %q", target)
			}
			if err != nil {
				return fmt.Errorf("encode %s: %w", target, err)
			}
			return out.Flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "input format: json or multipart (default: detect)")
	cmd.Flags().StringVar(&boundary, "boundary", "", "input multipart boundary (default: detect)")
	cmd.Flags().StringVar(&to, "to", "", "output format (default: the other format)")
	return cmd
}
