package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/omnimcp/omnimcp-core/api"
	"github.com/omnimcp/omnimcp-core/cli"
	"github.com/omnimcp/omnimcp-core/config"
	"github.com/omnimcp/omnimcp-core/logger"
	"github.com/omnimcp/omnimcp-core/paths"
	"github.com/omnimcp/omnimcp-core/process"
	"github.com/omnimcp/omnimcp-core/registry"
	"github.com/omnimcp/omnimcp-core/store"
)

const shutdownTimeout = 10 * time.Second

// app is the supervisor, registry and usage log built from a config.
type app struct {
	cfg   *config.Config
	sup   *process.Supervisor
	reg   *registry.Registry
	store *store.SQLiteStore
}

func newApp(cfg *config.Config) (*app, error) {
	dbPath, err := cfg.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	opts := process.OptionsFromConfig(cfg)
	opts.StderrLogPath = logger.ServerLogPath
	if dir, err := paths.PIDDir(); err == nil {
		opts.PIDDir = dir
	}
	opts.OnExit = func(id string, err error) {
		logger.WithServer(id).Warn("server exited unexpectedly; it will be restarted on the next call", "error", err)
	}
	sup := process.New(opts)

	reg := registry.New(sup, registry.WithRecorder(st))
	if err := reg.LoadConfig(cfg); err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, sup: sup, reg: reg, store: st}, nil
}

// close stops every process and closes the usage log.
func (rt *app) close() {
	if err := rt.sup.StopAll(); err != nil {
		logger.WithComponent("main").Warn("errors while stopping servers", "error", err)
	}
	rt.store.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdServe(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	g.register(fs)
	addr := fs.String("addr", "", "listen address (default from config, "+config.DefaultHTTPAddr+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	log := logger.WithComponent("main")

	if dir, err := paths.PIDDir(); err == nil {
		if killed, err := process.CleanupOrphanedServers(dir); err != nil {
			log.Warn("orphan cleanup failed", "error", err)
		} else if killed > 0 {
			color.Yellow("Cleaned up %d orphaned server process(es)\n", killed)
		}
	}

	rt, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = cfg.GetHTTPAddr()
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           api.NewServer(rt.reg, rt.store, api.WithConfig(cfg)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	cyan.Print(banner)
	green.Printf("  Listening on http://%s\n", listenAddr)
	gray.Printf("  Config:  %s\n", cfg.FilePath())
	gray.Printf("  Servers: %d registered\n\n", len(rt.reg.List()))
	log.Info("HTTP API listening", "addr", listenAddr, "servers", len(rt.reg.List()))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		log.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}
	return nil
}

func cmdCall(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	g.register(fs)
	raw := fs.Bool("raw", false, "print the raw JSON result")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return fmt.Errorf("usage: omnimcp call <server> <tool> [json-arguments]")
	}

	var arguments map[string]any
	if fs.NArg() == 3 {
		if err := json.Unmarshal([]byte(fs.Arg(2)), &arguments); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	rt, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	resp := rt.reg.CallTool(ctx, registry.ToolCallRequest{
		ServerID:  fs.Arg(0),
		ToolName:  fs.Arg(1),
		Arguments: arguments,
	})
	if !resp.Success {
		return errors.New(resp.Error)
	}

	if *raw {
		fmt.Println(string(resp.Result))
		return nil
	}
	fmt.Println(registry.FormatToolResult(resp.Result))
	return nil
}

func cmdTools(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	g.register(fs)
	asJSON := fs.Bool("json", false, "print function definitions as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	rt, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	fns, buildErr := rt.reg.BuildFunctions(ctx, fs.Args())
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fns); err != nil {
			return err
		}
		return buildErr
	}

	cyan := color.New(color.FgCyan)
	for _, fn := range fns {
		cyan.Printf("  %s\n", fn.Name)
		fmt.Printf("    %s\n", fn.Description)
	}
	if len(fns) == 0 {
		fmt.Println("  (no tools)")
	}
	return buildErr
}

func cmdServers(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	g.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	if fs.NArg() > 0 {
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: omnimcp servers [enable|disable|remove <id>]")
		}
		return updateServer(cfg, fs.Arg(0), fs.Arg(1))
	}

	servers := cfg.GetMCPServers()
	if len(servers) == 0 {
		fmt.Printf("No servers configured in %s\n", cfg.FilePath())
		fmt.Println("Run 'omnimcp init' to create a starter config.")
		return nil
	}

	var st *store.SQLiteStore
	if dbPath, err := cfg.GetDatabasePath(); err == nil {
		if _, err := os.Stat(dbPath); err == nil {
			if st, err = store.NewSQLiteStore(dbPath); err == nil {
				defer st.Close()
			}
		}
	}

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCALLS\tERRORS\tCOMMAND")
	for _, s := range servers {
		status := color.GreenString("enabled")
		if s.Disabled {
			status = color.HiBlackString("disabled")
		}
		calls, errs := "-", "-"
		if st != nil {
			if stats, err := st.ServerStats(ctx, s.ID); err == nil {
				calls = fmt.Sprint(stats.RequestCount)
				errs = fmt.Sprint(stats.ErrorCount)
			}
		}
		cmdLine := strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.DisplayName(), status, calls, errs, cmdLine)
	}
	return w.Flush()
}

// updateServer applies a servers subcommand to cfg and saves it.
func updateServer(cfg *config.Config, action, id string) error {
	server, ok := cfg.GetMCPServer(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrServerNotFound, id)
	}

	switch action {
	case "enable", "disable":
		disabled := action == "disable"
		if server.Disabled == disabled {
			fmt.Printf("%s is already %sd\n", server.DisplayName(), action)
			return nil
		}
		cfg.SetMCPServerDisabled(id, disabled)
	case "remove":
		cfg.RemoveMCPServer(id)
	default:
		return fmt.Errorf("unknown servers action: %s", action)
	}

	if err := cfg.Save(); err != nil {
		return err
	}
	logger.WithServer(id).Info("server config updated", "action", action)
	color.Green("%s: %s %sd\n", cfg.FilePath(), id, action)
	return nil
}

func cmdInit(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	g.register(fs)
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, err := configPathForInit(g)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}

	cfg := starterConfig()
	cfg.SetFilePath(path)
	if err := cfg.Save(); err != nil {
		return err
	}

	color.Green("Wrote %s\n", path)
	fmt.Println("Edit the servers list, then run 'omnimcp doctor' and 'omnimcp serve'.")
	return nil
}

// starterConfig returns defaults plus two example servers.
func starterConfig() *config.Config {
	cfg := config.Default()
	home, _ := os.UserHomeDir()
	cfg.AddMCPServer(config.MCPServer{
		ID:          "filesystem",
		Name:        "Filesystem",
		Description: "Read and write files in your home directory",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", home},
	})
	cfg.AddMCPServer(config.MCPServer{
		ID:          "github",
		Name:        "GitHub",
		Description: "Issues, pull requests and repositories",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-github"},
		Env:         map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "${GITHUB_TOKEN}"},
		Disabled:    true,
	})
	return cfg
}

func cmdDoctor(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	g.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	if notice := layoutNotice(); notice != "" {
		color.Yellow("%s\n\n", notice)
	}

	prereqs := cli.ServerPrerequisites(cfg.GetMCPServers())
	fmt.Print(cli.FormatCheckResults(cli.CheckAll(prereqs)))
	return cli.ValidateRequired(prereqs)
}

// layoutNotice warns when XDG variables are set but ignored because
// ~/.omnimcp exists.
func layoutNotice() string {
	l, err := paths.Current()
	if err != nil || !l.Flat {
		return ""
	}
	for _, v := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_STATE_HOME"} {
		if os.Getenv(v) != "" {
			return fmt.Sprintf("%s is set but ignored: %s exists and holds all OmniMCP files.", v, l.Config)
		}
	}
	return ""
}

func cmdLogs(args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	g.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := loadConfig(g); err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "":
		files, err := logger.Files()
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No log files")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tSIZE\tPATH")
		for _, f := range files {
			server := f.ServerID
			if server == "" {
				server = "(platform)"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", server, f.Size, f.Path)
		}
		return w.Flush()
	case "clear":
		logger.Close()
		n, err := logger.ClearLogs()
		if err != nil {
			return err
		}
		color.Green("Removed %d log file(s)\n", n)
		return nil
	default:
		return fmt.Errorf("usage: omnimcp logs [clear]")
	}
}
