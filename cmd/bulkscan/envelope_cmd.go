package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hmcts/bulk-scan-processor-sub002"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/lifecycle"
)

func newEnvelopeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "envelope",
		Aliases: []string{"env"},
		Short:   "Inspect and manage stored envelopes",
	}
	cmd.AddCommand(newEnvelopeListCommand(c))
	cmd.AddCommand(newEnvelopeShowCommand(c))
	cmd.AddCommand(newEnvelopeEventsCommand(c))
	cmd.AddCommand(newEnvelopeAbortCommand(c))
	return cmd
}

// withMachine opens the envelope store for the duration of fn.
func (c *cli) withMachine(ctx context.Context, fn func(*lifecycle.Machine) error) error {
	logger, cfg, err := c.load()
	if err != nil {
		return err
	}
	machine, closeFn, err := bulkscan.OpenMachine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(machine)
}

func newEnvelopeListCommand(c *cli) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List envelopes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			want := envelope.Status(strings.ToUpper(strings.TrimSpace(status)))
			if want != "" && !want.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return c.withMachine(cmd.Context(), func(m *lifecycle.Machine) error {
				envs, err := m.Store().ListEnvelopes(cmd.Context(), want, limit)
				if err != nil {
					return err
				}
				headers := []string{"ID", "CONTAINER", "ZIP FILE", "JURISDICTION", "STATUS", "CREATED", "UPLOAD FAILURES"}
				aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight}
				rows := make([][]string, 0, len(envs))
				for _, env := range envs {
					rows = append(rows, []string{
						env.ID,
						env.Container,
						env.ZipFileName,
						env.Jurisdiction,
						string(env.Status),
						formatTime(env.CreatedAt),
						fmt.Sprint(env.UploadFailureCount),
					})
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list envelopes in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum envelopes to list (0 lists all)")
	return cmd
}

func newEnvelopeShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <envelope-id>",
		Short: "Print one envelope with its documents and payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.withMachine(cmd.Context(), func(m *lifecycle.Machine) error {
				env, err := m.Get(cmd.Context(), args[0])
				if err != nil {
					if errors.Is(err, lifecycle.ErrNotFound) {
						return fmt.Errorf("envelope %s not found", args[0])
					}
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(env); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func newEnvelopeEventsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "events <container> <zip-file>",
		Short: "Print the processing audit trail of a zip file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.withMachine(cmd.Context(), func(m *lifecycle.Machine) error {
				events, err := m.Events(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				headers := []string{"CREATED", "EVENT", "ENVELOPE", "REASON"}
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					rows = append(rows, []string{formatTime(ev.CreatedAt), string(ev.Event), ev.EnvelopeID, ev.Reason})
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, nil))
				return err
			})
		},
	}
}

func newEnvelopeAbortCommand(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <envelope-id>",
		Short: "Move an envelope to ABORTED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return c.withMachine(cmd.Context(), func(m *lifecycle.Machine) error {
				env, err := m.Abort(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "envelope %s is now %s\n", env.ID, env.Status)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the status change")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
