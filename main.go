package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/violeshnv/web-server/server"
)

const defaultConfig = "config.yaml"

func main() {
	path := defaultConfig
	if len(os.Args) >= 2 {
		path = os.Args[1]
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
		os.Exit(1)
	}

	lg := server.NewLogger(server.LogInfo)
	srv, err := server.New(cfg, lg)
	if err != nil {
		lg.Logf(server.LogFatal, "server init failed: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Stop()
	}()

	srv.Start()
}
