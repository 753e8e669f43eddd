package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/quartzkv/quartz/cmd/util"
	"github.com/quartzkv/quartz/lib/engine"
	"github.com/quartzkv/quartz/lib/logger"
	"github.com/quartzkv/quartz/lib/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = server.DefaultConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the quartz server",
		Long:    `Start the quartz server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is QUARTZ_<flag> (e.g. QUARTZ_PORT=6666)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "bind"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0", cmdUtil.WrapString("The address the server listens on"))

	key = "port"
	ServeCmd.PersistentFlags().Int(key, 6666, cmdUtil.WrapString("The port the server listens on"))

	key = "requirepass"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Password clients must AUTH with before issuing commands; empty disables authentication"))

	key = "slave-readonly"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Reject write commands when the server replicates from a master"))

	key = "db-dir"
	ServeCmd.PersistentFlags().String(key, "data/db", cmdUtil.WrapString("Directory holding the LSM state"))

	key = "backup-dir"
	ServeCmd.PersistentFlags().String(key, "data/backup", cmdUtil.WrapString("Directory holding backups (meta files and per-backup data files)"))

	key = "codis-enabled"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Enable cluster mode: writes additionally maintain per-slot key tracking"))

	key = "max-db-size"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Maximum total SST size in GiB; once exceeded, writes fail until data is removed. 0 disables the limit"))

	key = "max-io-mb"
	ServeCmd.PersistentFlags().Uint64(key, 500, cmdUtil.WrapString("I/O rate limit in MiB/s for backup and restore; 0 means maximum"))

	key = "max-backup-to-keep"
	ServeCmd.PersistentFlags().Int(key, 1, cmdUtil.WrapString("How many backups to retain"))

	key = "max-backup-keep-hours"
	ServeCmd.PersistentFlags().Int(key, 24, cmdUtil.WrapString("Purge backups older than this many hours; 0 disables age-based purging"))

	key = "profiling-sample-ratio"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Percentage of commands to profile (0-100)"))

	key = "profiling-sample-all-commands"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Profile every command instead of only the configured set"))

	key = "profiling-sample-commands"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated command names eligible for profiling"))

	key = "profiling-sample-record-threshold-ms"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Drop profiling samples faster than this threshold"))

	key = "slowlog-log-slower-than"
	ServeCmd.PersistentFlags().Int64(key, 100000, cmdUtil.WrapString("Slowlog threshold in microseconds; negative disables the slowlog"))

	key = "slowlog-max-len"
	ServeCmd.PersistentFlags().Int(key, 128, cmdUtil.WrapString("Maximum number of retained slowlog entries"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	// storage engine tuning bundle
	key = "max-open-files"
	ServeCmd.PersistentFlags().Int(key, 4096, cmdUtil.WrapString("Max open SST files"))

	key = "write-buffer-size"
	ServeCmd.PersistentFlags().Uint64(key, 64, cmdUtil.WrapString("Memtable size in MiB"))

	key = "max-write-buffer-number"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Memtables to accumulate before stalling writes"))

	key = "max-background-compactions"
	ServeCmd.PersistentFlags().Int(key, 2, cmdUtil.WrapString("Concurrent background compactions"))

	key = "max-background-flushes"
	ServeCmd.PersistentFlags().Int(key, 2, cmdUtil.WrapString("Concurrent background flushes"))

	key = "compression"
	ServeCmd.PersistentFlags().String(key, "snappy", cmdUtil.WrapString("SST compression: no, snappy or zstd"))

	key = "target-file-size-base"
	ServeCmd.PersistentFlags().Int64(key, 128, cmdUtil.WrapString("Base SST target file size in MiB"))

	key = "wal-ttl-seconds"
	ServeCmd.PersistentFlags().Uint64(key, 3600, cmdUtil.WrapString("How long committed updates stay available to replication followers"))

	key = "wal-size-limit-mb"
	ServeCmd.PersistentFlags().Uint64(key, 512, cmdUtil.WrapString("Byte cap in MiB on retained replication updates"))

	key = "level0-slowdown-writes-trigger"
	ServeCmd.PersistentFlags().Int(key, 20, cmdUtil.WrapString("L0 file count that slows incoming writes"))

	key = "level0-stop-writes-trigger"
	ServeCmd.PersistentFlags().Int(key, 36, cmdUtil.WrapString("L0 file count that stops incoming writes"))

	key = "metadata-block-cache-size"
	ServeCmd.PersistentFlags().Int64(key, 256, cmdUtil.WrapString("Block cache budget for the metadata keyspace in MiB"))

	key = "subkey-block-cache-size"
	ServeCmd.PersistentFlags().Int64(key, 256, cmdUtil.WrapString("Block cache budget for the sub-key keyspaces in MiB"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts it to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Bind = viper.GetString("bind")
	serveCmdConfig.Port = viper.GetInt("port")
	serveCmdConfig.RequirePass = viper.GetString("requirepass")
	serveCmdConfig.SlaveReadonly = viper.GetBool("slave-readonly")
	serveCmdConfig.MaxBackupToKeep = viper.GetInt("max-backup-to-keep")
	serveCmdConfig.MaxBackupKeepHours = viper.GetInt("max-backup-keep-hours")
	serveCmdConfig.ProfilingSampleRatio = viper.GetInt("profiling-sample-ratio")
	serveCmdConfig.ProfilingSampleAllCommands = viper.GetBool("profiling-sample-all-commands")
	serveCmdConfig.ProfilingSampleRecordThresholdMS = viper.GetInt("profiling-sample-record-threshold-ms")
	serveCmdConfig.SlowlogSlowerThanUS = viper.GetInt64("slowlog-log-slower-than")
	serveCmdConfig.SlowlogMaxLen = viper.GetInt("slowlog-max-len")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.ProfilingSampleRatio < 0 || serveCmdConfig.ProfilingSampleRatio > 100 {
		return fmt.Errorf("profiling-sample-ratio must be between 0 and 100")
	}

	// parse the profiled command set
	serveCmdConfig.ProfilingSampleCommands = map[string]bool{}
	if commands := viper.GetString("profiling-sample-commands"); commands != "" {
		for _, name := range strings.Split(commands, ",") {
			serveCmdConfig.ProfilingSampleCommands[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	// storage engine bundle
	eng := serveCmdConfig.Engine
	eng.DBDir = viper.GetString("db-dir")
	eng.BackupDir = viper.GetString("backup-dir")
	eng.ClusterEnabled = viper.GetBool("codis-enabled")
	eng.MaxDBSize = viper.GetUint64("max-db-size")
	eng.MaxIOMb = viper.GetUint64("max-io-mb")
	eng.MaxOpenFiles = viper.GetInt("max-open-files")
	eng.WriteBufferSize = viper.GetUint64("write-buffer-size") * engine.MiB
	eng.MaxWriteBufferNumber = viper.GetInt("max-write-buffer-number")
	eng.MaxBackgroundCompactions = viper.GetInt("max-background-compactions")
	eng.MaxBackgroundFlushes = viper.GetInt("max-background-flushes")
	eng.Compression = viper.GetString("compression")
	eng.TargetFileSizeBase = viper.GetInt64("target-file-size-base") * engine.MiB
	eng.WALTTLSeconds = viper.GetUint64("wal-ttl-seconds")
	eng.WALSizeLimitMB = viper.GetUint64("wal-size-limit-mb")
	eng.Level0SlowdownTrigger = viper.GetInt("level0-slowdown-writes-trigger")
	eng.Level0StopTrigger = viper.GetInt("level0-stop-writes-trigger")
	eng.MetadataBlockCacheSize = viper.GetInt64("metadata-block-cache-size") * engine.MiB
	eng.SubkeyBlockCacheSize = viper.GetInt64("subkey-block-cache-size") * engine.MiB

	return nil
}

// run starts the quartz server
func run(_ *cobra.Command, _ []string) error {
	level, err := logger.ParseLevel(serveCmdConfig.LogLevel)
	if err != nil {
		return err
	}
	logger.SetGlobalLevel(level)

	log := logger.GetLogger("main")
	log.Infof("Starting quartz with configuration: %s", serveCmdConfig)

	storage := engine.NewStorage(serveCmdConfig.Engine)
	if err := storage.Open(false); err != nil {
		return err
	}
	defer storage.Close()

	srv := server.NewServer(serveCmdConfig, storage)

	// Shut down cleanly on SIGINT/SIGTERM
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("Received signal %s, shutting down", sig)
		srv.Stop()
	}()

	return srv.Start()
}
