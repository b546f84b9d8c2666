package cli

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"animehome/internal/config"
	"animehome/internal/logger"
)

// NewRootCmd builds the animehome command tree.
func NewRootCmd() *cobra.Command {
	var (
		cfgPath string
		cfg     *config.Config
	)
	load := func() *config.Config { return cfg }

	rootCmd := &cobra.Command{
		Use:   "animehome",
		Short: "AnimeHome character chat server and terminal client",
		Long: `AnimeHome serves persona-driven characters over HTTP and streams their replies.
The same binary runs the server (serve) and a terminal client (characters, chat, avatar).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				path = os.Getenv("ANIMEHOME_CONFIG")
			}
			loaded, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded

			// only the server echoes logs to the console
			mode := gin.ReleaseMode
			if cmd.Name() == "serve" {
				mode = cfg.BasicConfig.Mode
			}
			if err := logger.Init(&cfg.Log, mode); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newCharactersCmd(load))
	rootCmd.AddCommand(newChatCmd(load))
	rootCmd.AddCommand(newAvatarCmd(load))

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Configuration file path (default $ANIMEHOME_CONFIG or config.json)")
	return rootCmd
}
