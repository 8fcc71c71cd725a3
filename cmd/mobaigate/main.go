// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const logo = "🚪"

var (
	configPath string
	logLevel   string
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	build = buildTime
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func defaultConfigPath() string {
	if p := os.Getenv("MOBAIGATE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mobaigate", "config.json")
}

// loadConfig reads the config and applies it to the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Gateway.LogLevel = logLevel
	}
	logger.Configure(os.Stderr, cfg.Gateway.LogFormat)
	logger.SetLevel(logger.ParseLevel(cfg.Gateway.LogLevel))
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mobaigate",
		Short:         logo + " mobaigate - channel gateway for local AI assistants",
		Long:          color.CyanString(logo+" mobaigate") + "\nBridges DingTalk and WeCom robots to an AI engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newInitCmd(), newStartCmd(), newListCmd(), newDoctorCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s mobaigate %s\n", logo, formatVersion())
			build, goVer := formatBuildInfo()
			if build != "" {
				fmt.Fprintf(out, "  Build: %s\n", build)
			}
			fmt.Fprintf(out, "  Go: %s\n", goVer)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
