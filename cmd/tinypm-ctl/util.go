package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinypm/config"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap-incubator/tinypm/transaction"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var logger *zap.Logger

func loadConfig() (*config.Config, error) {
	var (
		conf *config.Config
		err  error
	)
	if configPath != "" {
		conf, err = config.LoadFile(configPath)
		if err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		conf = config.NewDefaultConfig()
	}
	if regionPath != "" {
		conf.Path = regionPath
	}
	if err = conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	log.SetLevelByString(conf.LogLevel)
	if logger, err = newLogger(conf); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

// newLogger builds the CLI's structured logger, writing to a rotated file when one is
// configured and to stderr otherwise.
func newLogger(conf *config.Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(conf.LogLevel)); err != nil {
		return nil, errors.Annotatef(err, "log level %q", conf.LogLevel)
	}
	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if conf.LogFile.Filename != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.LogFile.Filename,
			MaxSize:    conf.LogFile.MaxSize,
			MaxBackups: conf.LogFile.MaxBackups,
			MaxAge:     conf.LogFile.MaxDays,
			LocalTime:  true,
		})
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, ws, level), zap.Fields(zap.String("git-hash", gitHash))), nil
}

// openRegion maps the configured region file, or creates a simulated region when no
// path is configured.
func openRegion(conf *config.Config) (pmem.Region, *pmem.Layout, error) {
	layout, err := transaction.LayoutFor(conf)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if conf.Path == "" {
		logger.Info("no region path configured, using a simulated region", zap.Uint64("size", layout.Size))
		return pmem.NewSim(layout.Size), layout, nil
	}
	r, created, err := pmem.OpenFile(conf.Path, layout.Size)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	logger.Info("open region", zap.String("path", conf.Path), zap.Uint64("size", r.Size()), zap.Bool("created", created))
	return r, layout, nil
}

// openEngine opens the configured region and attaches an engine to it. The region is
// closed again if the engine cannot be opened.
func openEngine(conf *config.Config) (*transaction.Engine, error) {
	r, _, err := openRegion(conf)
	if err != nil {
		return nil, err
	}
	return attachEngine(conf, r)
}

func attachEngine(conf *config.Config, r pmem.Region) (*transaction.Engine, error) {
	e, err := transaction.Open(conf, r)
	if err != nil {
		if cerr := r.Close(); cerr != nil {
			logger.Warn("close region", zap.Error(cerr))
		}
		return nil, errors.Trace(err)
	}
	return e, nil
}

// closeEngine closes e and its region, logging a failure.
func closeEngine(e *transaction.Engine) {
	if err := e.Close(); err != nil {
		logger.Warn("close engine", zap.Error(err))
	}
}

// printOutput writes v in the requested format.
func printOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Trace(err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return errors.Trace(err)
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return errors.Trace(err)
		}
		_, err = w.Write(b)
		return errors.Trace(err)
	case "text":
		_, err := fmt.Fprintf(w, "%+v\n", v)
		return errors.Trace(err)
	}
	return errors.Errorf("unknown output format %q", format)
}

// statusAddr picks the status listen address, the flag winning over the config.
func statusAddr(conf *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	return conf.Metrics.Addr
}
