package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/app"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/hook"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/logger"
)

const name = "cpanel-dns01-hook"

func usage(flags *pflag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] auth|cleanup|serve\n\n", name)
		fmt.Fprintln(os.Stderr, "  auth     create the challenge record (certbot --manual-auth-hook)")
		fmt.Fprintln(os.Stderr, "  cleanup  delete the challenge record (certbot --manual-cleanup-hook)")
		fmt.Fprintln(os.Stderr, "  serve    serve lego's httpreq protocol")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flags.PrintDefaults()
	}
}

func main() {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("CPANEL_CONFIG"), "path to a YAML config file")
	flags.Usage = usage(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, flags.Arg(0), *configPath)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd, configPath string) error {
	switch cmd {
	case "auth", "cleanup", "serve":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	log, err := logger.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()
	log = log.With(zap.String("cmd", cmd), zap.String("zone", cfg.Domain))

	h, err := hook.New(cfg, log)
	if err != nil {
		return err
	}

	switch cmd {
	case "auth":
		err = h.Auth(ctx)
	case "cleanup":
		err = h.Cleanup(ctx)
	case "serve":
		if !cfg.Debug {
			gin.SetMode(gin.ReleaseMode)
		}
		err = app.Serve(ctx, cfg, app.New(cfg, h, log), log)
	}
	if err != nil {
		log.Error("failed", zap.Error(err))
	}
	return err
}
