package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mmproc/internal/cli/command"
	"mmproc/internal/cli/config"
	httpclient "mmproc/internal/cli/http"
	"mmproc/internal/cli/repl"
	"mmproc/internal/cli/state"
)

const defaultConfigPath = "configs/mmctl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	routerURL := flag.String("router", "", "Override router ops URL")
	workerURL := flag.String("worker", "", "Override challenge worker ops URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *routerURL != "" {
		cfg.RouterURL = *routerURL
	}
	if *workerURL != "" {
		cfg.WorkerURL = *workerURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load token state failed: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		tokenState.AccessToken = *token
	}

	client := httpclient.New(map[string]string{
		command.TargetRouter: cfg.RouterURL,
		command.TargetWorker: cfg.WorkerURL,
	}, cfg.Timeout, func() string {
		return tokenState.AccessToken
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := repl.New(client, command.Registry(), &tokenState, cfg.TokenStatePath, *cfg.PrettyJSON, os.Stdin, os.Stdout)
	session.Run(ctx)
}
