package server

import (
	"fmt"
	"strings"

	"github.com/quartzkv/quartz/lib/engine"
)

// --------------------------------------------------------------------------
// Server Configuration
// --------------------------------------------------------------------------

// Config holds all configuration parameters of the quartz server
type Config struct {
	// Network
	Bind            string
	Port            int
	TCPNoDelay      bool
	TCPKeepAliveSec int

	// Authentication: connections must AUTH before anything else when set
	RequirePass string

	// Replication role gates
	SlaveReadonly bool

	// Profiling sampling
	ProfilingSampleRatio             int
	ProfilingSampleAllCommands       bool
	ProfilingSampleCommands          map[string]bool
	ProfilingSampleRecordThresholdMS int

	// Slowlog
	SlowlogSlowerThanUS int64
	SlowlogMaxLen       int

	// Backup retention, applied by the maintenance loop
	MaxBackupToKeep    int
	MaxBackupKeepHours int

	// Logging
	LogLevel string

	// Storage engine bundle
	Engine *engine.Config
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Bind:                "0.0.0.0",
		Port:                6666,
		TCPNoDelay:          true,
		TCPKeepAliveSec:     120,
		SlaveReadonly:       true,
		SlowlogSlowerThanUS: 100000,
		SlowlogMaxLen:       128,
		MaxBackupToKeep:     1,
		MaxBackupKeepHours:  24,
		LogLevel:            "info",
		Engine:              engine.DefaultConfig(),
	}
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-28s: %s\n", name, value))
	}

	addSection("Server")
	addField("Listen", c.Addr())
	addField("Require Pass", map[bool]string{true: "yes", false: "no"}[c.RequirePass != ""])
	addField("Slave Readonly", fmt.Sprintf("%t", c.SlaveReadonly))

	addSection("Storage")
	addField("DB Dir", c.Engine.DBDir)
	addField("Backup Dir", c.Engine.BackupDir)
	addField("Cluster Enabled", fmt.Sprintf("%t", c.Engine.ClusterEnabled))
	addField("Max DB Size (GiB)", fmt.Sprintf("%d", c.Engine.MaxDBSize))
	addField("Max IO (MiB/s)", fmt.Sprintf("%d", c.Engine.MaxIOMb))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
