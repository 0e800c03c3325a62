package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/config"
)

var configShowTypes bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configListCmd.Flags().BoolVar(&configShowTypes, "types", false, "show the type of each key")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective settings, environment overrides included",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values := config.ListValues(loadConfig(), true)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, k := range config.Keys() {
			if configShowTypes {
				fmt.Fprintf(w, "%s\t%v\t%s\n", k.Name, values[k.Name], k.Kind)
			} else {
				fmt.Fprintf(w, "%s\t%v\n", k.Name, values[k.Name])
			}
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if s, ok := val.(string); ok && config.IsSecretKey(args[0]) {
			val = config.Mask(s)
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = config.Mask(display)
		}
		fmt.Fprintf(os.Stdout, "%s = %s\n", args[0], display)
		return nil
	},
}
