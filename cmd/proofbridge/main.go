// Command proofbridge drives a proof worker from the command line.
//
//	proofbridge ping
//	proofbridge init
//	proofbridge prove --age 25
//	proofbridge verify --proof 01ab... --inputs 25,true
//
// Each command builds a client from the configuration, runs one operation and
// terminates the worker.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"proof-rpc/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "proofbridge",
		Short:        "Generate and verify proofs through a background proof worker",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.SetDefaults(v)
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return xerrors.Errorf("read config: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().String("worker", "", "worker executable name")
	root.PersistentFlags().String("base-dir", "", "directory holding the worker executable")
	root.PersistentFlags().String("address", "", "dial a tcp worker instead of spawning one")
	root.PersistentFlags().String("codec", "", "frame codec: json or binary")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("worker.name", root.PersistentFlags().Lookup("worker"))
	_ = v.BindPFlag("worker.base_dir", root.PersistentFlags().Lookup("base-dir"))
	_ = v.BindPFlag("worker.address", root.PersistentFlags().Lookup("address"))
	_ = v.BindPFlag("codec", root.PersistentFlags().Lookup("codec"))
	_ = v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newPingCmd(v),
		newInitCmd(v),
		newProveCmd(v),
		newVerifyCmd(v),
	)
	return root
}
