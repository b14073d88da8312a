package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gputracker/internal/app"
)

func main() {
	var (
		cfgPath      string
		envPath      string
		once         bool
		testChannels bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional env file loaded before the config")
	flag.BoolVar(&once, "once", false, "run one check cycle and exit")
	flag.BoolVar(&testChannels, "test-channels", false, "send a test notification through every channel and exit")
	flag.Parse()

	// A missing env file is fine; variables may come from the service manager.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	switch {
	case testChannels:
		os.Exit(runTestChannels(ctx, a))
	case once:
		os.Exit(runOnce(ctx, a))
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stop(a, app.StopStartFailed)
		os.Exit(1)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := app.StopSignal
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				fmt.Println("reload:", err)
			}
		}
	}
	stop(a, reason)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

func runOnce(ctx context.Context, a *app.App) int {
	defer stop(a, app.StopOnceDone)
	rep, err := a.RunOnce(ctx)
	if err != nil {
		fmt.Println("check failed:", err)
		return 1
	}
	fmt.Printf("checked %d products (%d failed), %d alerts fired, %d sent, %d suppressed in %s\n",
		rep.Checked, rep.Failed, rep.Fired, rep.Sent, rep.Suppressed, rep.Duration.Round(time.Millisecond))
	if rep.Err != nil {
		fmt.Println("cycle ended early:", rep.Err)
		return 1
	}
	return 0
}

func runTestChannels(ctx context.Context, a *app.App) int {
	defer stop(a, app.StopOnceDone)
	results := a.TestChannels(ctx)
	if len(results) == 0 {
		fmt.Println("no active channels")
		return 1
	}
	code := 0
	for _, r := range results {
		if r.OK {
			fmt.Printf("ok    %-20s %s\n", r.Channel, r.Type)
			continue
		}
		code = 1
		fmt.Printf("FAIL  %-20s %s: %s\n", r.Channel, r.Type, r.Error)
	}
	return code
}
