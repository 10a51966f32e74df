package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hmcts/bulk-scan-processor-sub002"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/queue"
)

func newQueueCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect notification queues",
	}
	cmd.AddCommand(newQueueListCommand(c, "messages", "List pending messages on a queue", false))
	cmd.AddCommand(newQueueListCommand(c, "dead-letters", "List dead-lettered messages on a queue", true))
	return cmd
}

// withQueue opens the blob backend and a queue service over it.
func (c *cli) withQueue(ctx context.Context, fn func(*queue.Service) error) error {
	logger, cfg, err := c.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	backend, err := bulkscan.OpenBackend(cfg, logger, clock.Real{})
	if err != nil {
		return err
	}
	defer backend.Close()
	svc, err := queue.New(backend, clock.Real{}, queue.Config{
		Container:        cfg.QueueContainer,
		LockDuration:     cfg.QueueLockDuration,
		MaxDeliveryCount: cfg.MaxDeliveryCount,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	return fn(svc)
}

func newQueueListCommand(c *cli, use, short string, deadLetters bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <queue>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.withQueue(cmd.Context(), func(svc *queue.Service) error {
				list := svc.ListMessages
				if deadLetters {
					list = svc.ListDeadLetters
				}
				docs, err := list(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				headers := []string{"ID", "ENQUEUED", "DELIVERIES", "BYTES"}
				aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight}
				if deadLetters {
					headers = append(headers, "REASON", "DESCRIPTION")
				}
				rows := make([][]string, 0, len(docs))
				for _, doc := range docs {
					row := []string{doc.ID, formatTime(doc.EnqueuedAt), fmt.Sprint(doc.DeliveryCount), humanizeBytes(int64(len(doc.Body)))}
					if deadLetters {
						row = append(row, doc.DeadLetterReason, doc.DeadLetterDescription)
					}
					rows = append(rows, row)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
				return err
			})
		},
	}
}
