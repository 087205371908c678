package cli

import (
	"github.com/spf13/cobra"

	"github.com/copyleftdev/molmin/internal/forcefield"
)

func newForceFieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forcefields",
		Short: "List the available force fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return PrintJSON(cmd.OutOrStdout(), map[string]interface{}{
				"force_fields": forcefield.Names(),
				"default":      cliCtx.Config.Minimization.ForceField,
				"fallback":     cliCtx.Config.Minimization.Fallback,
			}, cliCtx.Pretty)
		},
	}
}
