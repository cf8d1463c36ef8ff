package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chainid/config"
	chainerrors "chainid/core/errors"
)

// globalOptions are accepted before the command name.
type globalOptions struct {
	configPath string
	network    string
	mode       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	globals, rest, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch rest[0] {
	case "register":
		return runRegisterCommand(ctx, globals, rest[1:], stdout, stderr)
	case "stats":
		return runStatsCommand(ctx, globals, rest[1:], stdout, stderr)
	case "claim":
		return runClaimCommand(ctx, globals, rest[1:], stdout, stderr)
	case "platforms":
		return runPlatformsCommand(ctx, globals, rest[1:], stdout, stderr)
	case "deploy":
		return runDeployCommand(ctx, globals, rest[1:], stdout, stderr)
	case "hello":
		return runHelloCommand(ctx, globals, rest[1:], stdout, stderr)
	case "verify":
		return runVerifyCommand(ctx, globals, rest[1:], stdout, stderr)
	case "admin":
		return runAdminCommand(ctx, globals, rest[1:], stdout, stderr)
	case "serve":
		return runServeCommand(ctx, globals, rest[1:], stdout, stderr)
	case "config":
		return runConfigCommand(globals, rest[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: chainid [--config path] [--network name] [--mode pinned|deploy] <command> [flags]",
		"",
		"Commands:",
		"  register   --address <addr> --level <1-3|basic|enhanced|premium>",
		"  stats      print the verified user and payment counts",
		"  claim      --platform <key> [--claimant <addr>]",
		"  platforms  [--claimant <addr>]",
		"  deploy     deploy or resolve both contracts and print their references",
		"  hello      [--name <name>] call the registry greeting",
		"  verify     --address <addr>",
		"  admin      status | pause | unpause | set-admin --address <addr>",
		"  serve      [--gateway-config path] [--allow-insecure]",
		"  config     init [--path file] [--force] | show",
	}, "\n")
}

// applyGlobalFlags strips the global options from args, accepting both
// "--flag value" and "--flag=value" forms.
func applyGlobalFlags(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	targets := map[string]*string{
		"--config":  &opts.configPath,
		"--network": &opts.network,
		"--mode":    &opts.mode,
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(out) > 0 {
			// Everything after the command name belongs to the command.
			out = append(out, arg)
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		target, ok := targets[name]
		if !ok {
			out = append(out, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for %s", name)
			}
			value = args[i+1]
			i++
		}
		*target = strings.TrimSpace(value)
	}
	return opts, out, nil
}

// loadConfig reads the configuration file and applies the global overrides.
func loadConfig(globals globalOptions) (*config.Config, error) {
	cfg, err := config.Load(globals.configPath)
	if err != nil {
		return nil, err
	}
	if globals.network == "" && globals.mode == "" {
		return cfg, nil
	}
	if globals.network != "" {
		cfg.Network.Name = globals.network
	}
	if globals.mode != "" {
		cfg.Contracts.Mode = globals.mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reportError prints err and maps it to an exit code. Configuration errors
// exit with 2 since retrying cannot help.
func reportError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if kind := chainerrors.Kind(err); kind != "unknown" {
		fmt.Fprintf(stderr, "Kind: %s\n", kind)
	}
	if errors.Is(err, chainerrors.ErrConfiguration) {
		return 2
	}
	return 1
}

func writeResult(stdout io.Writer, v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
