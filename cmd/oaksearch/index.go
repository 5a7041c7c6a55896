package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/oaksearch/pkg/client"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage index definitions",
	}
	cmd.AddCommand(indexApplyCmd(), indexGetCmd(), indexDeleteCmd())
	return cmd
}

func indexApplyCmd() *cobra.Command {
	var (
		name   string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "apply ./path/to/index.yaml",
		Short: "Replace an index definition from a JSON or YAML file",
		Long: `Replace an index definition and wait for the rebuild to finish.

	Example index.yaml:

	name: testContent
	type: property
	indexRules:
	  test:content:
	    properties:
	      iteration:
	        name: "test:iteration"
	        propertyIndex: true
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "reading %s", path)
			}
			if name == "" {
				if name, err = definitionName(data); err != nil {
					return errors.WithMessage(err, path)
				}
			}
			contentType := "application/json"
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				contentType = "application/yaml"
			}

			c := newClient()
			if noWait {
				if err := c.PutIndex(cmd.Context(), name, data, contentType); err != nil {
					return err
				}
				log.Infof("Index %s submitted", name)
				return nil
			}
			log.Infof("Updating index %s, waiting for the rebuild...", name)
			status, err := c.UpdateIndex(cmd.Context(), name, data, contentType)
			if err != nil {
				return err
			}
			log.Infof("Index %s ready after %d rebuilds", status.Name, status.ReindexCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Index name, defaults to the name in the file")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Store the definition without deleting the old one or waiting for the rebuild")
	return cmd
}

func indexGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print an index definition as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().GetIndex(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := indexYAML(status)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func indexDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove an index definition and its backend indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteIndex(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Infof("Index %s deleted", args[0])
			return nil
		},
	}
}

// definitionName reads the name field of a JSON or YAML definition
func definitionName(data []byte) (string, error) {
	var doc struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", errors.Wrap(err, "parsing index definition")
	}
	if doc.Name == "" {
		return "", errors.New("index definition has no name")
	}
	return doc.Name, nil
}

// indexYAML renders a stored definition in the same layout apply accepts
func indexYAML(status *client.IndexStatus) ([]byte, error) {
	doc := map[string]interface{}{
		"name":         status.Name,
		"type":         status.Type,
		"reindex":      status.Reindex,
		"reindexCount": status.ReindexCount,
	}
	if len(status.IndexRules) > 0 {
		var rules interface{}
		if err := json.Unmarshal(status.IndexRules, &rules); err != nil {
			return nil, errors.Wrap(err, "decoding index rules")
		}
		doc["indexRules"] = rules
	}
	return yaml.Marshal(doc)
}
