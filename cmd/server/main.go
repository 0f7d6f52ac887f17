package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
)

var (
	configFile  string
	listenAddr  string
	httpAddr    string
	framingMode string
	logLevel    string
)

// rootCmd starts the chat server.
var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Multi-room text chat server",
	Long: `roomchat serves line-oriented chat over TCP, with optional WebSocket
access through its HTTP gateway.

Clients send their display name as the first line, then chat in the default
room or use /help to see the available commands.

Settings are read from the YAML file given with --config, then from CHAT_*
and RATE_LIMIT_* environment variables, then from flags.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "TCP address for chat clients (default :9340)")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP gateway address; empty string disables the gateway (default :8080)")
	rootCmd.Flags().StringVar(&framingMode, "framing", "", "Inbound TCP framing: line or read")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error or none")
}

// fatal reports errors raised before the configured logger exists, such as a
// bad flag or an unreadable config file.
func fatal(err error) {
	reportError(os.Stderr, err)
	os.Exit(1)
}

func reportError(w io.Writer, err error) {
	log := logging.Module(logging.NewWithWriter(config.LogConfig{Level: zerolog.LevelErrorValue}, w), "main")
	log.Error().Err(err).Msg("roomchat exited")
}
