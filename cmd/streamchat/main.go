package main

import (
	"flag"
	"fmt"
	"os"

	"StreamChat/internal/client"
	"StreamChat/internal/config"
)

func main() {
	var configPath string
	cfg := config.Default()

	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Chat backend base URL")
	flag.StringVar(&cfg.PushURL, "push-url", "", "Push channel endpoint (required for websocket)")
	flag.StringVar(&cfg.PushTransport, "push", cfg.PushTransport, "Push transport (sse|websocket)")
	flag.StringVar(&cfg.UserID, "user-id", "", "Conversation user id (generated when empty)")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if configPath != "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		// Flags already parsed override the file.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "base-url":
				fileCfg.BaseURL = cfg.BaseURL
			case "push-url":
				fileCfg.PushURL = cfg.PushURL
			case "push":
				fileCfg.PushTransport = cfg.PushTransport
			case "user-id":
				fileCfg.UserID = cfg.UserID
			case "debug":
				fileCfg.Debug = cfg.Debug
			}
		})
		cfg = fileCfg
	}

	chat, err := client.NewChatClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chat client: %v\n", err)
		os.Exit(1)
	}
	defer chat.Close()

	if err := chat.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
