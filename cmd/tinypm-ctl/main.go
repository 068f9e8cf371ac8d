package main

import (
	"fmt"
	"os"

	"github.com/ngaut/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	regionPath string

	gitHash = "None"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinypm-ctl",
		Short: "Operate TinyPM persistent regions",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&regionPath, "path", "", "region file, overrides the config")

	rootCmd.AddCommand(
		newFormatCommand(),
		newInspectCommand(),
		newRecoverCommand(),
		newBenchCommand(),
		newShellCommand(),
	)
	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logger != nil {
		logger.Sync()
	}
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	if logger != nil {
		logger.Error("command failed", zap.Error(err))
		logger.Sync()
	}
	fmt.Fprintf(os.Stderr, "%+v\n", err)
	os.Exit(1)
}
