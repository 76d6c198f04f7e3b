package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/help"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/colloquy/cmd/colloquy/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "colloquy",
	Short: "colloquy talks to interchangeable AI backends and keeps your conversations",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		initLogger()
	},
	SilenceUsage: true,
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
	cobra.CheckErr(err)
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initCommands(rootCmd *cobra.Command, configPath string) error {
	viper.SetEnvPrefix("colloquy")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.colloquy")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/colloquy")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	err = viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		return err
	}

	initLogger()

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")

	return nil
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}

	format := config.LogFormat
	if format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	var logWriter io.Writer
	if format == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		logWriter = os.Stderr
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

	switch config.Level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("with-caller", false, "Log caller")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text), text when stderr is a terminal")
	rootCmd.PersistentFlags().String("log-file", "", "Log file (default: stderr)")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.colloquy/config.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")

	cmds.AddPersistentFlags(rootCmd)

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
	}

	err := initCommands(rootCmd, configFile)
	if err != nil {
		panic(err)
	}

	helpSystem := help.NewHelpSystem()
	helpFunc, usageFunc := help.GetCobraHelpUsageFuncs(helpSystem)
	helpTemplate, usageTemplate := help.GetCobraHelpUsageTemplates(helpSystem)

	rootCmd.SetHelpFunc(helpFunc)
	rootCmd.SetUsageFunc(usageFunc)
	rootCmd.SetHelpTemplate(helpTemplate)
	rootCmd.SetUsageTemplate(usageTemplate)
	rootCmd.SetHelpCommand(help.NewCobraHelpCommand(helpSystem))

	rootCmd.AddCommand(
		cmds.NewChatCommand(),
		cmds.NewServeCommand(),
		cmds.NewConversationsCommand(),
		cmds.NewSchemaCommand(),
	)
}
