// interlock is the lease-based coordinator for agents sharing a workspace.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/names"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// EnvURL overrides the server URL for client commands.
const EnvURL = "INTERLOCK_URL"

// app holds the persistent flags shared by every command.
type app struct {
	cfgFile  string
	logLevel string
	server   string
	socket   string
	project  string
	agent    string
	jsonOut  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "interlock",
		Short: "interlock - lease-based coordination for agents sharing a workspace",
		Long: `interlock hands out exclusive, time-bounded leases on named resources
(usually file paths) so that several agents can work in one project without
stepping on each other. Every state change is written to an audit log.

QUICK START:
  interlock init demo .            # register this directory as project "demo"
  interlock serve &                # run the coordinator
  interlock register -a alice      # announce an agent
  interlock lock -a alice src/main.go --reason "refactor"
  interlock status
  interlock unlock -a alice src/main.go`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(a.logLevel)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file path (default $"+config.EnvConfig+" or ./"+config.DefaultPath+")")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "log level (default from config, else info)")
	flags.StringVar(&a.server, "server", "", "server URL (default $"+EnvURL+" or the configured listen address)")
	flags.StringVar(&a.socket, "socket", "", "talk to the server over this unix socket")
	flags.StringVarP(&a.project, "project", "p", "", "project id (default: the server's default project)")
	flags.StringVarP(&a.agent, "agent", "a", "", "agent id (default $"+names.EnvAgent+")")
	flags.BoolVar(&a.jsonOut, "json", false, "print raw JSON results")

	rootCmd.AddCommand(
		newServeCmd(a),
		newInitCmd(a),
		newRegisterCmd(a),
		newHeartbeatCmd(a),
		newLockCmd(a),
		newUnlockCmd(a),
		newStatusCmd(a),
		newLogCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

var logOutput sync.Once

// setupLogging sets the global level on every call; the console writer is
// installed once since server goroutines may already be logging.
func setupLogging(level string) {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	logOutput.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	})
}

func (a *app) configPath() string {
	return config.Path(a.cfgFile)
}

func (a *app) loadConfig() (config.Config, error) {
	return config.Load(a.configPath())
}

// client builds an API client from --server, $INTERLOCK_URL or the config.
func (a *app) client() (*client.Client, error) {
	opts := []client.Option{client.WithProject(a.project)}
	if a.socket != "" {
		return client.New("http://unix", append(opts, client.WithUnixSocket(a.socket))...), nil
	}
	base, err := a.baseURL()
	if err != nil {
		return nil, err
	}
	return client.New(base, opts...), nil
}

func (a *app) baseURL() (string, error) {
	base := strings.TrimSpace(a.server)
	if base == "" {
		base = strings.TrimSpace(os.Getenv(EnvURL))
	}
	if base == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return "", err
		}
		listen := cfg.Listen
		if strings.HasPrefix(listen, ":") {
			listen = "127.0.0.1" + listen
		}
		base = listen
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base, nil
}

// agentID returns --agent or $INTERLOCK_AGENT.
func (a *app) agentID() (string, error) {
	if id := strings.TrimSpace(a.agent); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(os.Getenv(names.EnvAgent)); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("agent id required: pass --agent or set %s", names.EnvAgent)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "interlock %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
