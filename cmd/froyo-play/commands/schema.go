package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-play/pkg/config"
	"github.com/openfroyo/froyo-play/pkg/resources"
)

func newSchemaCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "schema [plan|KIND]",
		Short: "Print JSON Schemas for plans and resource params",
		Long: `Print the JSON Schema of a plan document or of one resource kind's
params. Editors can use these for completion and inline validation.

With --out every schema is written to the directory instead.`,
		Example: `  # Plan schema
  froyo-play schema

  # Params of the file resource
  froyo-play schema file

  # Write every schema to ./schemas
  froyo-play schema --out ./schemas`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir != "" {
				return writeSchemas(cmd, outDir)
			}

			name := "plan"
			if len(args) > 0 {
				name = args[0]
			}
			data, err := schemaFor(name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write all schemas to this directory")
	return cmd
}

func schemaFor(name string) ([]byte, error) {
	if name == "plan" {
		return config.GeneratePlanSchema()
	}
	params, ok := resources.Params[name]
	if !ok {
		kinds := make([]string, 0, len(resources.Params))
		for k := range resources.Params {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		return nil, fmt.Errorf("unknown schema %q (want plan or one of %v)", name, kinds)
	}
	return config.GenerateParamsSchema(name, params)
}

func writeSchemas(cmd *cobra.Command, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	names := []string{"plan"}
	for k := range resources.Params {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := schemaFor(name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name+".schema.json")
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}
