// Command treed serves an ordered file/folder tree over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacentio/treeorder/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var cfg config.Config

	root := &cobra.Command{
		Use:           "treed",
		Short:         "Ordered tree mutation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); TREED_* environment variables override it")

	root.AddCommand(newServeCmd(&cfg))
	root.AddCommand(newVerifyCmd(&cfg))
	root.AddCommand(newVersionCmd())
	return root
}
