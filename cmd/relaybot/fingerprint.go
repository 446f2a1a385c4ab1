package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"relaybot/internal/job"
)

func newFingerprintCmd() *cobra.Command {
	var (
		message   string
		asContact bool
		attach    []string
		tags      []string
	)

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the resume fingerprint of a job",
		Long:  "Prints the canonical fingerprint of a job. Two submissions with the same fingerprint resume each other's progress.",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := job.Spec{
				Payload:     job.NewPayload(message, asContact),
				Attachments: parseAttachments(attach),
				Tags:        tags,
			}
			if spec.Payload.Empty() && len(spec.Attachments) == 0 {
				return fmt.Errorf("--message or --attach is required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), spec.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "message text, or comma-separated numbers with --contact")
	cmd.Flags().BoolVar(&asContact, "contact", false, "send the message as contact cards")
	cmd.Flags().StringArrayVarP(&attach, "attach", "a", nil, "attachment as path or path=caption (repeatable)")
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", []string{job.AllTag}, "recipient tags")
	return cmd
}

// parseAttachments turns "path=caption" flags into the job attachment map.
func parseAttachments(in []string) map[string]string {
	out := make(map[string]string, len(in))
	for _, a := range in {
		path, caption, _ := strings.Cut(a, "=")
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		out[path] = caption
	}
	return out
}
