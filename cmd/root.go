// Package cmd wires the dispatcher, doctor, and their supporting
// adapters into cobra subcommands: a persistent --config flag, a viper
// instance for defaults, and cobra.OnInitialize for config loading.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"whs/internal/config"
	"whs/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	// viper layers environment variable and flag overrides on top of the
	// JSON config file.
	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:     "whs",
	Short:   "A dispatcher that drives multi-agent coding workflows to completion",
	Long:    `whs polls project trackers for ready work, runs the right coding agent for each step, and carries workflows through handoffs to DONE or BLOCKED.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .whs/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: WHS_DEBUG=1)")
	rootCmd.PersistentFlags().String("orchestrator-path", "", "override the orchestrator tracker path from the config file")

	viper.SetEnvPrefix("WHS")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("orchestrator_path", rootCmd.PersistentFlags().Lookup("orchestrator-path"))
}

func initConfig() {
	cfg = config.Defaults()

	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	loaded, err := config.LoadConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn(log.CatConfig, "failed to load config, using defaults", "path", path, "error", err.Error())
		}
	} else {
		cfg = loaded
		log.Info(log.CatConfig, "config loaded", "path", path)
	}

	if override := viper.GetString("orchestrator_path"); override != "" {
		cfg.OrchestratorPath = override
	}
}

// initLogging turns on file logging when --debug or WHS_DEBUG is set.
func initLogging(name string) func() {
	debug := os.Getenv("WHS_DEBUG") != "" || debugFlag
	if !debug {
		return func() {}
	}

	logPath := os.Getenv("WHS_LOG")
	if logPath == "" {
		logPath = name + ".log"
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logging at %s: %v\n", logPath, err)
		return func() {}
	}
	log.Info(log.CatConfig, "whs starting", "version", version, "debug", true, "logPath", logPath)
	return cleanup
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string, called from main with ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
