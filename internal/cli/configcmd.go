package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phroun/skein/internal/config"
)

func newConfigCommand(a *app) *cobra.Command {
	var showEnv bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and SKEIN_*
environment variables have been applied.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			styles := NewStyles(colorEnabled(a.color, out))

			if showEnv {
				for _, v := range config.ListEnvVars() {
					fmt.Fprintf(out, "%s  %s\n", styles.Key.Render(fmt.Sprintf("%-28s", v.Name)), styles.Dim.Render(v.Help))
				}
				return nil
			}
			data, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&showEnv, "env", false, "list supported environment variables")
	return cmd
}
