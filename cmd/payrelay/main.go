package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payrelay/internal/app"
	"payrelay/internal/config"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", env.ConfigPath, "path to config (json or yaml)")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, config.NewManager(cfgPath, env))
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		c()
		os.Exit(1)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
			fmt.Println("fatal:", a.Err())
		}
	}

	stopCtx, c := context.WithTimeout(context.Background(), 20*time.Second)
	_ = a.Stop(stopCtx, reason)
	c()
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
