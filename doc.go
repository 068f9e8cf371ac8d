package tinypm

/*
TinyPM is a word-based transaction engine for persistent memory. Transactions read and
write 64-bit words of a mapped region under encounter-time locking and a global version
clock, and commit by making a redo record durable before updating data in place, so that
every transaction that returned from Commit survives a crash.

The `tinypm` module is organized into the following packages:

* `pmem`: regions (a mapped file or a crash-simulating in-memory region), cache-line flush
  and fence, and the persisted layout with its named arenas.
* `lockstore`: the versioned lock table and the global clock.
* `nvlog`: per-descriptor torn-bit logs.
* `nvwset`: the pool of non-volatile write-set blocks, each paired with a log.
* `transaction`: the engine, descriptors, commit, abort, rollover and recovery.
* `config`: TOML configuration.
* `cmd/tinypm-ctl`: format, inspect, recover, benchmark and explore regions.
*/
