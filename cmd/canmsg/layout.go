package main

import (
	"os"

	"github.com/samsamfire/gocanmsg/pkg/network"
	"github.com/spf13/cobra"
)

var layoutOutput string

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the definition as an INI file",
	Long: `Validate a definition and print it in INI form.

Combined with --dbc this converts a DBC file into an INI definition.`,
	RunE: runLayout,
}

func init() {
	layoutCmd.Flags().StringVarP(&layoutOutput, "output", "o", "", "Write to this file instead of stdout")
	rootCmd.AddCommand(layoutCmd)
}

func runLayout(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(cmd)
	if err != nil {
		return err
	}
	// Building the messages checks every layout
	if err := network.NewNetwork(nil).Load(def); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if layoutOutput != "" {
		file, err := os.Create(layoutOutput)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}
	_, err = def.WriteTo(out)
	return err
}
