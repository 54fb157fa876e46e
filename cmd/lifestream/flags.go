package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/c360/lifestream/config"
)

// CLIConfig holds parsed command-line flags
type CLIConfig struct {
	Role            string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.Role, "role", config.RoleAll,
		fmt.Sprintf("process role (%s)", strings.Join(config.Roles, ", ")))
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "log format (text, json)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"hard deadline for graceful shutdown")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")

	flag.Parse()
	return cfg
}
