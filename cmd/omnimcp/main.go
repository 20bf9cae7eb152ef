// Command omnimcp runs platform-hosted MCP servers and exposes their tools
// over HTTP.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/paths"
)

const banner = `
                       _
  ___  _ __ ___  _ __ (_)_ __ ___   ___ _ __
 / _ \| '_ ' _ \| '_ \| | '_ ' _ \ / __| '_ \
| (_) | | | | | | | | | | | | | | | (__| |_) |
 \___/|_| |_| |_|_| |_|_|_| |_| |_|\___| .__/
                                       |_|
`

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "", "config file (default $OMNIMCP_CONFIG or ~/.omnimcp/config.yaml)")
	fs.BoolVar(&g.debug, "debug", false, "enable debug logging")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(args)
	case "call":
		err = cmdCall(args)
	case "tools":
		err = cmdTools(args)
	case "servers":
		err = cmdServers(args)
	case "init":
		err = cmdInit(args)
	case "doctor":
		err = cmdDoctor(args)
	case "logs":
		err = cmdLogs(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	logger.Close()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: omnimcp <command> [flags] [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                         Run the HTTP API and supervise MCP servers")
	fmt.Println("  call <server> <tool> [json]   Start a server, call one tool, print the result")
	fmt.Println("  tools <server>                List a server's tools as LLM functions")
	fmt.Println("  servers                       List configured servers")
	fmt.Println("  servers enable|disable <id>   Toggle a server in the config file")
	fmt.Println("  servers remove <id>           Delete a server from the config file")
	fmt.Println("  init                          Write a starter config file")
	fmt.Println("  doctor                        Check that every server command is installed")
	fmt.Println("  logs [clear]                  List or delete the platform and server logs")
	fmt.Println()
	yellow.Println("Flags:")
	fmt.Println("  -config <path>                Config file (YAML, or TOML if it ends in .toml)")
	fmt.Println("  -debug                        Enable debug logging")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  OMNIMCP_CONFIG                Config file path")
	fmt.Println("  XDG_CONFIG_HOME et al.        Honored when ~/.omnimcp does not exist")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  omnimcp init")
	fmt.Println("  omnimcp call github search_repositories '{\"query\":\"mcp\"}'")
	fmt.Println("  omnimcp serve -debug")
	fmt.Println()
}

// loadConfig resolves the config path from the flag, then OMNIMCP_CONFIG,
// then the default location, and initializes logging from it.
func loadConfig(g globalFlags) (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = os.Getenv("OMNIMCP_CONFIG")
	}

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}

	logging := cfg.GetLogging()
	logPath := logging.Path
	if logPath == "" {
		if logPath, err = logger.DefaultLogPath(); err != nil {
			return nil, err
		}
	}
	if err := logger.Init(logPath); err != nil {
		return nil, err
	}
	if err := logger.SetLevel(logging.Level); err != nil {
		return nil, err
	}
	if g.debug {
		logger.SetDebug(true)
	}

	return cfg, nil
}

// configPathForInit returns where init should write.
func configPathForInit(g globalFlags) (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	if p := os.Getenv("OMNIMCP_CONFIG"); p != "" {
		return p, nil
	}
	return paths.ConfigFilePath()
}
