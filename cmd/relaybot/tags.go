package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
	"relaybot/internal/job"
	"relaybot/internal/recipients"
	logx "relaybot/pkg/logx"
)

func newTagsCmd() *cobra.Command {
	var (
		configPath string
		class      string
	)

	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List the tag vocabulary of a recipient class",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := job.ParseClass(class)
			if err != nil {
				return err
			}
			cfg, err := config.NewManager(configPath).Parse()
			if err != nil {
				return err
			}
			rt, err := cfg.Resolve()
			if err != nil {
				return err
			}
			src := recipients.NewSource(map[job.Class]string{
				job.Contact: rt.ContactsFile,
				job.Group:   rt.GroupsFile,
			}, logx.NewConsole("warn"))
			if _, err := src.Load(c, ""); err != nil {
				return err
			}
			for _, tag := range src.Vocabulary(c) {
				fmt.Fprintln(cmd.OutOrStdout(), tag)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	cmd.Flags().StringVar(&class, "class", string(job.Contact), "recipient class (contact|group)")
	return cmd
}
