package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"chainid/config"
	"chainid/core/contract"
	"chainid/core/identity"
	"chainid/core/rewards"
	"chainid/core/session"
	"chainid/observability/logging"
)

type verifyResult struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

type helloResult struct {
	Greeting string `json:"greeting"`
}

type platformsResult struct {
	Claimant  string               `json:"claimant,omitempty"`
	Platforms []rewards.Descriptor `json:"platforms"`
}

type deployResult struct {
	Network   string                  `json:"network"`
	Contracts []contract.AppReference `json:"contracts"`
}

func runRegisterCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var address, levelRaw string
	fs.StringVar(&address, "address", "", "account to register")
	fs.StringVar(&levelRaw, "level", "", "verification level (1-3 or basic, enhanced, premium)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	address = strings.TrimSpace(address)
	if address == "" {
		fmt.Fprintln(stderr, "Error: --address is required")
		return 1
	}
	if strings.TrimSpace(levelRaw) == "" {
		fmt.Fprintln(stderr, "Error: --level is required")
		return 1
	}
	level, err := identity.ParseLevel(levelRaw)
	if err != nil {
		return reportError(stderr, err)
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		return a.session.Register(ctx, address, level)
	})
}

func runStatsCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		return a.session.LoadAllStats(ctx)
	})
}

func runHelloCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hello", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var name string
	fs.StringVar(&name, "name", "chainid", "name to greet")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		greeting, err := a.session.Hello(ctx, name)
		if err != nil {
			return nil, err
		}
		return helloResult{Greeting: greeting}, nil
	})
}

func runVerifyCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var address string
	fs.StringVar(&address, "address", "", "account to check")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	address = strings.TrimSpace(address)
	if address == "" {
		fmt.Fprintln(stderr, "Error: --address is required")
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		ok, err := a.session.Verify(ctx, address)
		if err != nil {
			return nil, err
		}
		return verifyResult{Address: address, Verified: ok}, nil
	})
}

// runAdminCommand drives the registry administration calls. Without an
// action it prints the current administrator and pause flag.
func runAdminCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: chainid admin status | pause | unpause | set-admin --address <addr>")
		return 1
	}
	action := args[0]
	fs := flag.NewFlagSet("admin "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var address string
	if action == string(session.AdminSetAdmin) {
		fs.StringVar(&address, "address", "", "new administrator")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	switch session.AdminAction(action) {
	case "status":
		return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
			return a.session.AdminStatus(ctx)
		})
	case session.AdminPause, session.AdminUnpause:
	case session.AdminSetAdmin:
		if strings.TrimSpace(address) == "" {
			fmt.Fprintln(stderr, "Error: --address is required")
			return 1
		}
	default:
		fmt.Fprintf(stderr, "Unknown admin action: %s\n", action)
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		return a.session.Administer(ctx, session.AdminAction(action), address)
	})
}

func runClaimCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var platform, claimant string
	fs.StringVar(&platform, "platform", "", "partner platform key")
	fs.StringVar(&claimant, "claimant", "", "recipient account (defaults to the signing wallet)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		fmt.Fprintln(stderr, "Error: --platform is required")
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		recipient := strings.TrimSpace(claimant)
		if recipient == "" {
			recipient = a.session.Sender()
		}
		return a.session.Claim(ctx, platform, recipient)
	})
}

func runPlatformsCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("platforms", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var claimant string
	fs.StringVar(&claimant, "claimant", "", "account to check eligibility for (defaults to the signing wallet)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(_ context.Context, a *app) (any, error) {
		who := strings.TrimSpace(claimant)
		if who == "" {
			who = a.session.Sender()
		}
		return platformsResult{Claimant: who, Platforms: a.session.Platforms(who)}, nil
	})
}

func runDeployCommand(ctx context.Context, globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	return withApp(ctx, globals, stdout, stderr, func(ctx context.Context, a *app) (any, error) {
		refs, err := a.session.Deploy(ctx)
		if err != nil {
			return nil, err
		}
		return deployResult{Network: a.session.Network(), Contracts: refs}, nil
	})
}

func runConfigCommand(globals globalOptions, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: chainid config init [--path file] [--force] | show")
		return 1
	}
	switch args[0] {
	case "init":
		return runConfigInit(globals, args[1:], stdout, stderr)
	case "show":
		return runConfigShow(globals, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config subcommand: %s\n", args[0])
		return 1
	}
}

func runConfigInit(globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := globals.configPath
	if path == "" {
		path = "chainid.toml"
	}
	var force bool
	fs.StringVar(&path, "path", path, "file to write")
	fs.BoolVar(&force, "force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(stderr, "Error: %s already exists; pass --force to overwrite\n", path)
			return 1
		} else if !errors.Is(err, os.ErrNotExist) {
			return reportError(stderr, err)
		}
	}
	if err := config.Write(path, config.Default()); err != nil {
		return reportError(stderr, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return 0
}

// runConfigShow prints the effective configuration with secrets masked.
func runConfigShow(globals globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(globals)
	if err != nil {
		return reportError(stderr, err)
	}
	cfg.Network.Token = logging.MaskValue(cfg.Network.Token)
	cfg.Gateway.Auth.HMACSecret = logging.MaskValue(cfg.Gateway.Auth.HMACSecret)
	if err := toml.NewEncoder(stdout).Encode(cfg); err != nil {
		return reportError(stderr, err)
	}
	return 0
}
