package commands

import (
	"fmt"
	"os"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

func newApplyCommand() *cobra.Command {
	var (
		sel  selectionFlags
		file string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Fan out an operation read from a file",
		Long: `Fan out an operation described in a YAML or JSON file. The document uses the
same shape as the operation field of the HTTP API.`,
		Example: `  # op.yaml
  #   kind: update
  #   resource: addressGroup
  #   name: web-servers
  #   edit:
  #     add: [10.1.1.12, web03.example.net]
  fortifleet apply -f op.yaml --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := readOperation(file)
			if err != nil {
				return err
			}
			return runOperation(cmd, &sel, op)
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "operation file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readOperation decodes an operation document. YAML is converted to JSON so
// the operation's JSON field names apply to both formats.
func readOperation(path string) (*engine.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation file: %w", err)
	}
	var op engine.Operation
	if err := yaml.UnmarshalStrict(data, &op); err != nil {
		return nil, fmt.Errorf("failed to parse operation file %s: %w", path, err)
	}
	return &op, nil
}
