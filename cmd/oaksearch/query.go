package main

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func ensureContentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-content",
		Short: "Create the test content unless it already exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().EnsureContent(cmd.Context())
			if err != nil {
				return err
			}
			log.Infof("Content %s (%d nodes)", result.Status, result.Nodes)
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "query <path> <query>",
		Short: "Run a query and print the plan, timings and results",
		Long: `Run a query in the context of a node and print the JSON envelope.

Example:

  oaksearch query /tests 'SELECT "jcr:path" FROM "test:content" WHERE "test:iteration" = 9' --limit 100
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().Query(cmd.Context(), args[0], args[1], limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.CaughtException != "" {
				log.Warnf("Query failed: %s", result.CaughtException)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results, 0 for the server default")
	return cmd
}
