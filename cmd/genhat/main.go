package main

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/genhat/cmd/genhat/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "genhat",
	Short: "genhat drives streaming chat sessions against a local llama-server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		initLogger()
	},
}

type logConfig struct {
	Level     string
	LogFormat string
	LogFile   string
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}

	initLoggerWithConfig(&logConfig{
		Level:     logLevel,
		LogFormat: viper.GetString("log-format"),
		LogFile:   viper.GetString("log-file"),
	})
}

func initLoggerWithConfig(config *logConfig) {
	var logWriter io.Writer = os.Stderr
	if config.LogFormat == "text" {
		logWriter = zerolog.ConsoleWriter{
			Out:     os.Stderr,
			NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
		}
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func initConfig() error {
	viper.SetEnvPrefix("genhat")

	if configFile := configFileFromArgs(); configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.genhat")
		viper.AddConfigPath("/etc/genhat")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/genhat")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file is fine
	} else if err != nil {
		return err
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	initLogger()
	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

// configFileFromArgs catches --config before cobra has parsed anything.
func configFileFromArgs() string {
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			return os.Args[idx+1]
		}
	}
	return ""
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (json, text)")
	rootCmd.PersistentFlags().String("log-file", "", "Log file (default: stderr)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.genhat/config.yml)")

	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the llama-server endpoint")
	rootCmd.PersistentFlags().String("model", "", "Model file name to request")
	rootCmd.PersistentFlags().String("models-dir", "", "Directory containing gguf model files")
	rootCmd.PersistentFlags().Int("max-tokens", 0, "Maximum tokens per completion (0 for the default)")

	err := initConfig()
	if err != nil {
		panic(err)
	}

	rootCmd.AddCommand(cmds.ChatCmd)
	rootCmd.AddCommand(cmds.ModelsCmd)
	rootCmd.AddCommand(cmds.SnapshotCmd)
}

func main() {
	_ = rootCmd.Execute()
}
