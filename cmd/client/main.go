package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Legatia/Tai/internal/config"
	"github.com/Legatia/Tai/internal/media"
	"github.com/Legatia/Tai/internal/service/app"
	"github.com/Legatia/Tai/internal/service/p2p"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.DefaultClient()
	var (
		relayHost string
		secure    bool
		iceJSON   string
		stunURLs  string
		turnURLs  string
		turnUser  string
		turnPass  string
		videoPath string
		audioPath string
		logFile   string
	)

	cmd := &cobra.Command{
		Use:   "tai <room>",
		Short: "Join a room and chat peer to peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Init(cfg.LogLevel, false, logFile); err != nil {
				return err
			}
			defer log.Sync()

			cfg.RoomID = args[0]
			if cfg.PeerID == "" {
				cfg.PeerID = uuid.NewString()
			}
			if relayHost != "" {
				cfg.RelayURL = app.RelayURL(relayHost, secure)
			}

			switch {
			case iceJSON != "":
				servers, err := config.ParseICEServersJSON(iceJSON)
				if err != nil {
					return fmt.Errorf("--ice-servers: %w", err)
				}
				cfg.ICEServers = servers
			case stunURLs != "" || turnURLs != "":
				servers, err := config.ParseICEServerURLs(stunURLs, turnURLs, turnUser, turnPass)
				if err != nil {
					return err
				}
				cfg.ICEServers = servers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			pcfg := p2p.ConfigFrom(cfg)
			if videoPath != "" || audioPath != "" {
				pcfg.Media = media.NewFileSource(videoPath, audioPath, cfg.PeerID)
			}
			client, err := p2p.New(pcfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ui := app.NewApp(client, cfg.RoomID)
			go func() {
				<-ctx.Done()
				ui.Stop()
			}()
			defer ui.Stop()
			return ui.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.PeerID, "peer", "", "peer id in the room (default random)")
	f.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay websocket url")
	f.StringVar(&relayHost, "relay", "", "relay host:port, shorthand for --relay-url")
	f.BoolVar(&secure, "tls", false, "use wss with --relay")
	f.StringVar(&iceJSON, "ice-servers", "", `ICE servers as JSON, e.g. [{"urls":"stun:stun.l.google.com:19302"}]`)
	f.StringVar(&stunURLs, "stun", "", "comma separated stun urls")
	f.StringVar(&turnURLs, "turn", "", "comma separated turn urls")
	f.StringVar(&turnUser, "turn-user", "", "turn username")
	f.StringVar(&turnPass, "turn-pass", "", "turn credential")
	f.BoolVar(&cfg.PrivacyMode, "privacy", false, "encrypt media frames end to end")
	f.BoolVar(&cfg.ForceRelayICE, "relay-only", false, "only use turn candidates, hides your address from peers")
	f.DurationVar(&cfg.NegotiationTTL, "negotiation-timeout", cfg.NegotiationTTL, "give up on a peer that does not connect in time")
	f.StringVar(&videoPath, "video", "", "VP8 .ivf file to stream")
	f.StringVar(&audioPath, "audio", "", "Opus .ogg file to stream")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&logFile, "log-file", "tai.log", "log destination, the terminal belongs to the UI")
	return cmd
}
