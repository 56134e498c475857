// main.go — Entry point for the opendevbrowser broker binary.
// Starts a browser session (managed launch, CDP connect, or extension relay)
// and serves newline-delimited JSON commands on stdin against it.
//
// Usage: opendevbrowser <verb> [--flags]
//
// Verbs: launch, connect, connect-relay, config
//
// Exit codes:
//   0 = success
//   1 = error (operation failed)
//   2 = usage error (missing args, invalid flags)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/governor"
	"github.com/freshtechbro/opendevbrowser/internal/logging"
	"github.com/freshtechbro/opendevbrowser/internal/session"
)

// version is set at build time via -ldflags.
var version = "0.1.0"

const usageText = `opendevbrowser — local browser automation broker

Usage:
  opendevbrowser <verb> [--flags]

Verbs:
  launch         Launch a managed browser and serve commands on stdin
  connect        Attach to a running browser over CDP and serve commands
  connect-relay  Attach through the local extension relay and serve commands
  config init    Write the default config file

Common Flags:
  --config <path>            Config file (default: user config dir)
  --debug                    Human-readable debug logging

Launch Flags:
  --profile <name>           Named persistent profile
  --persist-profile          Keep the profile directory after disconnect
  --headless                 Launch headless
  --chrome-path <path>       Browser binary (default: launcher's choice)
  --lang <tag>               --lang forwarded to the browser
  --timezone <tz>            Timezone override for the browser
  --timezone-for-testing <tz> Alias of --timezone
  --proxy-server <url>       Proxy server for the browser
  --flags <flag>             Raw browser flag, repeatable
  --allow-unsafe-export      Permit unredacted export output
  --url <url>                Initial page

Connect Flags:
  --endpoint <ws-url>        CDP endpoint (connect)
  --base <http-url>          Relay base URL (connect-relay)
  --legacy-cdp               Use the relay's legacy CDP path
  --allow-non-local-cdp      Permit non-local CDP endpoints

Commands are read from stdin, one JSON object per line:
  {"op":"goto","url":"https://example.com"}
  {"op":"snapshot"}
  {"op":"click","ref":"e3"}
Results are written to stdout, one JSON object per line.

Exit codes: 0 success, 1 operation error, 2 usage error.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the entry point, separated for testability. Returns the exit code.
func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			fmt.Printf("opendevbrowser %s\n", version)
			return 0
		}
		if arg == "--help" || arg == "-h" {
			fmt.Fprint(os.Stderr, usageText)
			return 0
		}
	}

	switch args[0] {
	case "launch":
		return runLaunch(args[1:])
	case "connect":
		return runConnect(args[1:])
	case "connect-relay":
		return runConnectRelay(args[1:])
	case "config":
		return runConfig(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown verb %q\n\n%s", args[0], usageText)
		return 2
	}
}

// repeatedFlag collects every occurrence of a repeatable string flag.
type repeatedFlag []string

func (f *repeatedFlag) String() string { return strings.Join(*f, ",") }

func (f *repeatedFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// commonFlags are shared across session-starting verbs.
type commonFlags struct {
	configPath string
	debug      bool
}

func registerCommon(fs *flag.FlagSet, cf *commonFlags) {
	fs.StringVar(&cf.configPath, "config", "", "config file path")
	fs.BoolVar(&cf.debug, "debug", false, "debug logging")
}

// setup loads config and builds the logger and session manager.
func setup(cf commonFlags) (*config.Config, *zap.Logger, *session.Manager, error) {
	path := cf.configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, nil, nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logging.New(cf.debug)
	if err != nil {
		return nil, nil, nil, err
	}
	var sampler governor.HostSampler
	if gs, serr := governor.NewGopsutilSampler(cfg.Parallelism.RssBudgetMb); serr == nil {
		sampler = gs
	} else {
		log.Warn("host sampler unavailable; governor runs on queue signals only", zap.Error(serr))
	}
	mgr := session.NewManager(log, cfg, driver.NewRodLauncher(), sampler)
	return cfg, log, mgr, nil
}

func runLaunch(args []string) int {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	var cf commonFlags
	registerCommon(fs, &cf)
	opts := session.LaunchOpts{}
	fs.StringVar(&opts.Profile, "profile", "", "named persistent profile")
	fs.BoolVar(&opts.PersistProfile, "persist-profile", false, "keep the profile directory")
	fs.BoolVar(&opts.Headless, "headless", false, "launch headless")
	fs.StringVar(&opts.ChromePath, "chrome-path", "", "browser binary path")
	fs.StringVar(&opts.Lang, "lang", "", "browser --lang")
	fs.StringVar(&opts.Timezone, "timezone", "", "browser timezone override")
	fs.StringVar(&opts.ProxyServer, "proxy-server", "", "browser proxy server")
	fs.StringVar(&opts.URL, "url", "", "initial page URL")
	var rawFlags repeatedFlag
	var tzForTesting string
	var allowUnsafeExport bool
	fs.Var(&rawFlags, "flags", "raw browser flag, repeatable")
	fs.StringVar(&tzForTesting, "timezone-for-testing", "", "alias of --timezone")
	fs.BoolVar(&allowUnsafeExport, "allow-unsafe-export", false, "permit unredacted export output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	opts.Flags = rawFlags
	if opts.Timezone == "" {
		opts.Timezone = tzForTesting
	}

	cfg, log, mgr, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	if allowUnsafeExport {
		cfg.Security.AllowUnsafeExport = true
	}

	ctx := signalContext()
	result, err := mgr.Launch(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launch: %v\n", err)
		return 1
	}
	return serveSession(ctx, mgr, result.SessionID, log)
}

func runConnect(args []string) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	var cf commonFlags
	registerCommon(fs, &cf)
	var endpoint string
	var headless, allowNonLocal bool
	fs.StringVar(&endpoint, "endpoint", "", "CDP endpoint (ws:// or http://)")
	fs.BoolVar(&headless, "headless", false, "the remote browser is headless")
	fs.BoolVar(&allowNonLocal, "allow-non-local-cdp", false, "permit non-local endpoints")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if endpoint == "" {
		fmt.Fprintln(os.Stderr, "connect: --endpoint is required")
		return 2
	}

	cfg, log, mgr, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	if allowNonLocal {
		cfg.Security.AllowNonLocalCdp = true
	}

	ctx := signalContext()
	result, err := mgr.Connect(ctx, session.ConnectOpts{Endpoint: endpoint, Headless: headless})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	return serveSession(ctx, mgr, result.SessionID, log)
}

func runConnectRelay(args []string) int {
	fs := flag.NewFlagSet("connect-relay", flag.ContinueOnError)
	var cf commonFlags
	registerCommon(fs, &cf)
	var base string
	var legacy bool
	fs.StringVar(&base, "base", "", "relay base URL (http://127.0.0.1:<relayPort>)")
	fs.BoolVar(&legacy, "legacy-cdp", false, "use the relay's legacy CDP path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, log, mgr, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.RelayPort)
	}

	ctx := signalContext()
	result, err := mgr.ConnectRelay(ctx, session.ConnectRelayOpts{BaseURL: base, LegacyCDP: legacy})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect-relay: %v\n", err)
		return 1
	}
	return serveSession(ctx, mgr, result.SessionID, log)
}

func runConfig(args []string) int {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "config: only `config init` is supported")
		return 2
	}
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	var path string
	fs.StringVar(&path, "path", "", "config file path")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config init: %v\n", err)
			return 1
		}
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config init: %s already exists\n", path)
		return 1
	}
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "config init: %v\n", err)
		return 1
	}
	fmt.Println(path)
	return 0
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
