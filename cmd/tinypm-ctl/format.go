package main

import (
	"github.com/pingcap-incubator/tinypm/transaction"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newFormatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Write an empty layout into the region file, discarding its content",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(runFormat())
		},
	}
}

func runFormat() error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.Path == "" {
		return errors.New("format needs a region path")
	}
	r, layout, err := openRegion(conf)
	if err != nil {
		return err
	}
	defer r.Close()
	if err = transaction.Format(conf, r); err != nil {
		return errors.Trace(err)
	}
	logger.Info("region formatted",
		zap.Int("blocks", layout.Blocks),
		zap.Int("block-entries", layout.BlockEntries),
		zap.Int("log-slots", layout.LogSlots),
		zap.Uint64("data-size", layout.DataSize))
	return nil
}
