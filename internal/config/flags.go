package config

import (
	"flag"
	"strings"
)

var (
	flagConfig    = flag.String("config", "", "Path to config file")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
	flagSource    = flag.String("source", "", "Layer source: map or noise")
	flagMap       = flag.String("map", "", "Map name, e.g. prontera")
	flagGRF       = flag.String("grf", "", "Comma-separated GRF archive paths")
	flagDataDir   = flag.String("data-dir", "", "Extracted data directory")
	flagThreads   = flag.Int("threads", 0, "Task service worker count")
	flagCache     = flag.String("cache", "", "Payload cache backend: none, memory, badger or redis")
	flagDebugAddr = flag.String("debug-addr", "", "Debug HTTP server address")
	flagWrite     = flag.String("write-config", "", `Write the effective config to this path ("-" for the config directory) and exit`)
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// WritePath returns the --write-config target, resolving "-" to the
// default config file. It is empty when the flag is unset.
func WritePath() string {
	if *flagWrite == "-" {
		return DefaultPath()
	}
	return *flagWrite
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagSource != "" {
		cfg.Source.Kind = *flagSource
	}
	if *flagMap != "" {
		cfg.Source.MapName = *flagMap
	}
	if *flagGRF != "" {
		cfg.Source.GRFPaths = strings.Split(*flagGRF, ",")
	}
	if *flagDataDir != "" {
		cfg.Source.DataDir = *flagDataDir
	}
	if *flagThreads > 0 {
		cfg.Terrain.NumTaskServiceThreads = *flagThreads
	}
	if *flagCache != "" {
		cfg.Cache.Backend = *flagCache
	}
	if *flagDebugAddr != "" {
		cfg.Debug.Addr = *flagDebugAddr
	}
}
