package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Durability modes.
const (
	// DurabilityWriteSet stages a committing transaction's writes in a non-volatile write-set block.
	DurabilityWriteSet = "writeset"
	// DurabilityValueLog appends every write as a value record to the slot's torn-bit log.
	DurabilityValueLog = "valuelog"
)

// Rollover policies.
const (
	RolloverReset = "reset"
	RolloverFatal = "fatal"
)

type Config struct {
	Path     string `toml:"path"`      // Region file. Empty means a simulated, in-memory region.
	LogLevel string `toml:"log-level"` // fatal, error, warn, info, debug.
	DataSize string `toml:"data-size"` // Size of the data section, e.g. "64MiB".

	Engine  Engine  `toml:"engine"`   // Concurrency control options.
	Pool    Pool    `toml:"pool"`     // Non-volatile write-set pool geometry.
	Arenas  []Arena `toml:"arena"`    // Named persistent arenas, laid out in declaration order.
	Metrics Metrics `toml:"metrics"`  // Prometheus exposition.
	LogFile LogFile `toml:"log-file"` // Optional rotated log file for the CLI.
}

type Engine struct {
	LockTableBits   uint   `toml:"lock-table-bits"`  // The lock table has 1<<bits slots.
	LockShift       uint   `toml:"lock-shift"`       // Bytes covered by one slot is 1<<shift.
	ReadSetSize     int    `toml:"read-set-size"`    // Initial read-set capacity.
	WriteSetSize    int    `toml:"write-set-size"`   // Initial write-set capacity.
	MaxClock        uint64 `toml:"max-clock"`        // Versions never exceed this value.
	RolloverPolicy  string `toml:"rollover-policy"`  // reset or fatal.
	RolloverRetries int    `toml:"rollover-retries"` // Consecutive rollover aborts tolerated by a descriptor.
	Durability      string `toml:"durability"`       // writeset or valuelog.
}

type Pool struct {
	Blocks       int `toml:"blocks"`        // Bounds the number of concurrently running transactions.
	BlockEntries int `toml:"block-entries"` // Distinct words one transaction may write.
	LogSlots     int `toml:"log-slots"`     // Slots in each per-block torn-bit log.
}

type Arena struct {
	Name string `toml:"name"`
	Size string `toml:"size"`
}

type Metrics struct {
	Addr string `toml:"addr"` // Listen address for /metrics, empty disables it.
}

type LogFile struct {
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"` // Megabytes.
	MaxBackups int    `toml:"max-backups"`
	MaxDays    int    `toml:"max-days"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024

	// MaxClockLimit keeps versions clear of the owned bit and of the log payload width.
	MaxClockLimit uint64 = 1<<56 - 1
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		DataSize: "64MiB",
		Engine: Engine{
			LockTableBits:   20,
			LockShift:       5,
			ReadSetSize:     4096,
			WriteSetSize:    1024,
			MaxClock:        MaxClockLimit,
			RolloverPolicy:  RolloverReset,
			RolloverRetries: 3,
			Durability:      DurabilityWriteSet,
		},
		Pool: Pool{
			Blocks:       64,
			BlockEntries: 1024,
			LogSlots:     4096,
		},
		LogFile: LogFile{
			MaxSize:    300,
			MaxBackups: 4,
			MaxDays:    28,
		},
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		DataSize: "64KiB",
		Engine: Engine{
			LockTableBits:   10,
			LockShift:       3,
			ReadSetSize:     16,
			WriteSetSize:    16,
			MaxClock:        MaxClockLimit,
			RolloverPolicy:  RolloverReset,
			RolloverRetries: 3,
			Durability:      DurabilityWriteSet,
		},
		Pool: Pool{
			Blocks:       8,
			BlockEntries: 64,
			LogSlots:     512,
		},
	}
}

// LoadFile reads a TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	for _, key := range meta.Undecoded() {
		log.Warnf("config file %s contains unknown key %s", path, key.String())
	}
	return conf, errors.Trace(conf.Validate())
}

// DataBytes returns the parsed data section size.
func (c *Config) DataBytes() (uint64, error) {
	return parseSize(c.DataSize)
}

// ArenaBytes returns the parsed size of arena i.
func (c *Config) ArenaBytes(i int) (uint64, error) {
	return parseSize(c.Arenas[i].Size)
}

func parseSize(s string) (uint64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Annotatef(err, "bad size %q", s)
	}
	if n <= 0 {
		return 0, errors.Errorf("size %q must be positive", s)
	}
	return uint64(n), nil
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

// Adjust fills zero fields with their defaults.
func (c *Config) Adjust() {
	def := NewDefaultConfig()
	adjustString(&c.LogLevel, def.LogLevel)
	adjustString(&c.DataSize, def.DataSize)
	adjustString(&c.Engine.RolloverPolicy, def.Engine.RolloverPolicy)
	adjustString(&c.Engine.Durability, def.Engine.Durability)
	adjustUint64(&c.Engine.MaxClock, def.Engine.MaxClock)
	adjustInt(&c.Engine.ReadSetSize, def.Engine.ReadSetSize)
	adjustInt(&c.Engine.WriteSetSize, def.Engine.WriteSetSize)
	adjustInt(&c.Pool.Blocks, def.Pool.Blocks)
	adjustInt(&c.Pool.BlockEntries, def.Pool.BlockEntries)
	adjustInt(&c.Pool.LogSlots, def.Pool.LogSlots)
	if c.Engine.LockTableBits == 0 {
		c.Engine.LockTableBits = def.Engine.LockTableBits
	}
	if c.Engine.LockShift == 0 {
		c.Engine.LockShift = def.Engine.LockShift
	}
}

func (c *Config) Validate() error {
	c.Adjust()

	if c.Engine.LockTableBits > 30 {
		return errors.Errorf("lock-table-bits %d is too large", c.Engine.LockTableBits)
	}
	if c.Engine.LockShift < 3 {
		return errors.Errorf("lock-shift must be at least 3 (one word), got %d", c.Engine.LockShift)
	}
	if c.Engine.MaxClock > MaxClockLimit {
		return errors.Errorf("max-clock must not exceed %d", MaxClockLimit)
	}
	switch c.Engine.RolloverPolicy {
	case RolloverReset, RolloverFatal:
	default:
		return errors.Errorf("unknown rollover-policy %q", c.Engine.RolloverPolicy)
	}
	switch c.Engine.Durability {
	case DurabilityWriteSet, DurabilityValueLog:
	default:
		return errors.Errorf("unknown durability %q", c.Engine.Durability)
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"read-set-size", c.Engine.ReadSetSize},
		{"write-set-size", c.Engine.WriteSetSize},
		{"blocks", c.Pool.Blocks},
		{"block-entries", c.Pool.BlockEntries},
		{"log-slots", c.Pool.LogSlots},
	} {
		if v.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", v.name, v.value)
		}
	}
	if c.Pool.Blocks > 1<<16-1 {
		return errors.Errorf("pool blocks %d is too large", c.Pool.Blocks)
	}
	// A value-log transaction needs Begin + 3 slots per write + Commit, plus the gap slot.
	if c.Engine.Durability == DurabilityValueLog && c.Pool.LogSlots < 3*c.Pool.BlockEntries+3 {
		log.Warnf("log-slots %d cannot hold a full write-set of %d entries in valuelog mode",
			c.Pool.LogSlots, c.Pool.BlockEntries)
	}
	if c.Pool.LogSlots < 8 {
		return errors.Errorf("log-slots must be at least 8, got %d", c.Pool.LogSlots)
	}
	if _, err := c.DataBytes(); err != nil {
		return errors.Trace(err)
	}
	seen := make(map[string]struct{}, len(c.Arenas))
	for i, a := range c.Arenas {
		if a.Name == "" {
			return errors.Errorf("arena %d has no name", i)
		}
		if _, ok := seen[a.Name]; ok {
			return errors.Errorf("arena %q declared twice", a.Name)
		}
		seen[a.Name] = struct{}{}
		if _, err := c.ArenaBytes(i); err != nil {
			return errors.Annotatef(err, "arena %q", a.Name)
		}
	}
	return nil
}
