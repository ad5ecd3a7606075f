package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/conductor on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	overrides      *viper.Viper

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagLogFormat      string // value of --log-format flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "conductor")
}

func main() {
	// root flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is conductor.yaml in current directory or in "+userConfigPath)
	flags.BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	flags.StringVar(&flagLogFormat, "log-format", string(log.FormatJSON), "log format: json or text")
	flags.Int("max-concurrent", model.DefaultMaxConcurrent, "maximum number of concurrently running commands")
	flags.Duration("timeout", model.DefaultTimeout, "default timeout of a command")
	flags.Duration("acquire-timeout", model.DefaultAcquireTimeout, "how long to wait for a free slot")
	flags.Duration("grace-period", model.DefaultGracePeriod, "time between terminate and kill")
	flags.Int("max-pipeline-steps", model.DefaultMaxPipelineSteps, "maximum number of pipeline steps")
	flags.Int64("max-output-bytes", model.DefaultMaxOutputBytes, "maximum captured output of a command")

	overrides = service.NewViper()
	for key, flag := range map[string]string{
		service.KeyMaxConcurrent:    "max-concurrent",
		service.KeyTimeout:          "timeout",
		service.KeyAcquireTimeout:   "acquire-timeout",
		service.KeyGracePeriod:      "grace-period",
		service.KeyMaxPipelineSteps: "max-pipeline-steps",
		service.KeyMaxOutputBytes:   "max-output-bytes",
	} {
		if err := overrides.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initConductor

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	var exit exitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		os.Exit(exit.code)
	default:
		slog.Error("conductor failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "conductor",
	Short:        "Runs external commands and pipelines with bounded concurrency",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a conductor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("conductor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("conductor: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initConductor(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CONDUCTOR_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "conductor.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "conductor.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// environment and flags have a precedence over config file
	limits, err := service.ApplyOverrides(overrides, config.Limits)
	if err != nil {
		return err
	}
	config.Limits = limits

	slog.SetDefault(log.New(os.Stderr, log.Format(flagLogFormat), flagVerbose))

	slog.Debug("conductor run", "configPath", configPath)
	slog.Debug("conductor run", "limits", config.Limits)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
