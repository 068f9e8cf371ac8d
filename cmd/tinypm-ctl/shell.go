package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap-incubator/tinypm/transaction"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type shell struct {
	e   *transaction.Engine
	tx  *transaction.Tx
	out io.Writer
}

func newShellCommand() *cobra.Command {
	var addr string
	m := &cobra.Command{
		Use:   "shell",
		Short: "Read and update words of a region interactively",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(runShell(addr))
		},
	}
	m.Flags().StringVar(&addr, "status-addr", "", "serve /metrics and /status here, overrides the config")
	return m
}

func runShell(addr string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
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
	logger.Info("recovered", zap.Stringer("report", rep))
	if addr = statusAddr(conf, addr); addr != "" {
		serveStatus(addr, e)
	}
	tx, err := e.Attach()
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Detach()
	sh := &shell{e: e, tx: tx, out: os.Stdout}

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintln(sh.out, err)
			continue
		}
		if err = sh.run(args); err != nil {
			fmt.Fprintln(sh.out, err)
		}
	}
}

// run executes one shell line.
func (sh *shell) run(args []string) error {
	cmd := &cobra.Command{
		Use:           "shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOutput(sh.out)
	cmd.SetArgs(args)
	cmd.AddCommand(
		&cobra.Command{
			Use:                   "get arena offset",
			Short:                 "Print the word at offset",
			Args:                  cobra.ExactArgs(2),
			RunE:                  sh.get,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "set arena offset value",
			Short:                 "Store value at offset",
			Args:                  cobra.ExactArgs(3),
			RunE:                  sh.set,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "add arena offset delta",
			Short:                 "Add delta to the word at offset",
			Args:                  cobra.ExactArgs(3),
			RunE:                  sh.add,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "stats",
			Short:                 "Print engine counters",
			Args:                  cobra.NoArgs,
			RunE:                  sh.stats,
			DisableFlagsInUseLine: true,
		},
	)
	return cmd.Execute()
}

// word resolves an arena name, "heap" included, and a byte offset to a word address.
func (sh *shell) word(name, offset string) (uint64, error) {
	var (
		a   pmem.Arena
		err error
	)
	if name == "heap" {
		a = sh.e.Layout().Heap()
	} else if a, err = sh.e.Arena(name); err != nil {
		return 0, err
	}
	off, err := strconv.ParseUint(offset, 0, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "offset %q", offset)
	}
	if off%pmem.WordSize != 0 {
		return 0, errors.Errorf("offset %d is not word aligned", off)
	}
	return a.Addr(off)
}

func parseValue(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	return v, errors.Annotatef(err, "value %q", s)
}

func (sh *shell) get(cmd *cobra.Command, args []string) error {
	addr, err := sh.word(args[0], args[1])
	if err != nil {
		return err
	}
	var v uint64
	err = transaction.Run(sh.tx, func(tx *transaction.Tx) (err error) {
		v, err = tx.Load64(addr)
		return
	}, transaction.ReadOnly())
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d\n", v)
	return nil
}

func (sh *shell) set(cmd *cobra.Command, args []string) error {
	addr, err := sh.word(args[0], args[1])
	if err != nil {
		return err
	}
	v, err := parseValue(args[2])
	if err != nil {
		return err
	}
	return transaction.Run(sh.tx, func(tx *transaction.Tx) error {
		return tx.Store64(addr, v)
	})
}

func (sh *shell) add(cmd *cobra.Command, args []string) error {
	addr, err := sh.word(args[0], args[1])
	if err != nil {
		return err
	}
	delta, err := parseValue(args[2])
	if err != nil {
		return err
	}
	var v uint64
	err = transaction.Run(sh.tx, func(tx *transaction.Tx) error {
		old, err := tx.Load64(addr)
		if err != nil {
			return err
		}
		v = old + delta
		return tx.Store64(addr, v)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d\n", v)
	return nil
}

func (sh *shell) stats(cmd *cobra.Command, args []string) error {
	return printOutput(sh.out, "json", sh.e.Stats())
}
