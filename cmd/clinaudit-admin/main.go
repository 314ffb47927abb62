package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/platinummonkey/clinaudit/pkg/api"
	"github.com/platinummonkey/clinaudit/pkg/cli"
	"github.com/platinummonkey/clinaudit/pkg/config"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

func main() {
	operator := flag.String("operator", os.Getenv("USER"), "Name recorded as the actor of grant changes and cursor resets")
	role := flag.String("role", string(principal.RoleSysAdmin), "Administrative role of the operator")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cli.Env{
		Open: func(ctx context.Context) (*api.Runtime, error) {
			cfg, err := config.LoadBackgroundConfig()
			if err != nil {
				return nil, err
			}
			// Commands print JSON on stdout; keep the log on stderr and quiet.
			logger := observability.NewLogger(observability.LogConfig{
				Level:  "warn",
				Format: "text",
				Output: os.Stderr,
			})
			return api.Open(ctx, cfg, logger)
		},
		Out:      os.Stdout,
		Operator: *operator,
		Role:     principal.Normalize(*role),
	}

	if err := cli.NewRootCommand().Execute(ctx, env, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
