package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/client"
	"github.com/roach88/lofi/internal/ir"
)

// OutboxReport is the output of `outbox`.
type OutboxReport struct {
	ClientID string            `json:"client_id"`
	Cursor   uint64            `json:"cursor"`
	Records  []ir.OutboxRecord `json:"records"`
}

func (r OutboxReport) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "client %s, cursor %d, %d queued\n", r.ClientID, r.Cursor, len(r.Records)); err != nil {
		return err
	}
	for _, rec := range r.Records {
		payload, err := ir.MarshalCanonical(rec.Payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%6d  %-6s  %s  attempts=%d  %s\n", rec.Seq, rec.Op, rec.Key(), rec.Attempts, payload); err != nil {
			return err
		}
	}
	return nil
}

// NewOutboxCommand creates the outbox command.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List writes not yet acknowledged by the authority",
		Long: `List the local outbox in send order: sequence number, operation,
entity, delivery attempts and payload.

The command never connects to the authority, so the listing is exactly
what the next sync will send.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			offline := *rootOpts
			offline.offline = true
			f := rootOpts.formatter(cmd)
			return withClient(&offline, cmd, func(ctx context.Context, c *client.Client) error {
				records, err := c.Outbox(ctx)
				if err != nil {
					return f.fail(ExitFailure, "failed to read outbox", err)
				}
				cursor, err := c.Cursor(ctx)
				if err != nil {
					return f.fail(ExitFailure, "failed to read cursor", err)
				}
				return f.Success(OutboxReport{ClientID: c.ClientID(), Cursor: cursor, Records: records})
			})
		},
	}
}
