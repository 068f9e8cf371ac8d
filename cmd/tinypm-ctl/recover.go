package main

import (
	"os"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRecoverCommand() *cobra.Command {
	var output string
	m := &cobra.Command{
		Use:   "recover",
		Short: "Redo every durable but uninstalled commit and reset the write-set pool",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(runRecover(output))
		},
	}
	m.Flags().StringVarP(&output, "output", "o", "json", "output format: json, yaml or text")
	return m
}

func runRecover(output string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.Path == "" {
		return errors.New("recover needs a region path")
	}
	e, err := openEngine(conf)
	if err != nil {
		return err
	}
	defer closeEngine(e)
	rep, err := e.Recover()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Info("recovered", zap.Int("blocks", rep.Blocks), zap.Int("log-groups", rep.LogGroups),
		zap.Int("words", rep.Words), zap.Duration("duration", rep.Duration))
	return printOutput(os.Stdout, output, rep)
}
