package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/instaplus/internal/apiclient"
	"github.com/MarcoPoloResearchLab/instaplus/internal/config"
	"github.com/MarcoPoloResearchLab/instaplus/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	clientViper = viper.New()
)

// session bundles what every subcommand needs.
type session struct {
	client *apiclient.Client
	logger *zap.Logger
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "instaplus",
		Short:        "InstaPlus command line client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newFeedCommand(),
		newPostCommand(),
		newStoryCommand(),
		newStoriesCommand(),
		newChatCommand(),
		newWhoAmICommand(),
		newFollowCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(clientViper)
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("api-url", clientViper.GetString("api.url"), "InstaPlus API base URL")
	flags.String("token", "", "Bearer token (overrides env)")
	flags.String("log-level", clientViper.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "api.url", "api-url")
	bindFlag(cmd, "api.token", "token")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := clientViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if cfgFile == "" {
		return nil
	}
	clientViper.SetConfigFile(cfgFile)
	return clientViper.ReadInConfig()
}

func newSession() (*session, error) {
	clientConfig, err := config.LoadClient(clientViper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	client, err := apiclient.New(apiclient.Config{
		BaseURL: clientConfig.APIURL,
		Token:   clientConfig.Token,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &session{client: client, logger: logger}, nil
}

// withSession adapts a session-aware command body to cobra.
func withSession(run func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.logger.Sync() //nolint:errcheck
		return run(cmd, args, s)
	}
}
