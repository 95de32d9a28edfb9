// Command mta runs the core server process: a cobra root command that loads
// the configuration file and either runs the server in the foreground or
// prints its effective configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/config"
	"github.com/vmta/coremta/internal/hooks"
	"github.com/vmta/coremta/internal/server"
)

var (
	cfgPath   string
	noDaemon  bool
	timeout   time.Duration
	envFile   string

	loadedCfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mta",
	Short: "Core mail transfer agent",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		applyEnvFile()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading %s: %w", cfgPath, err)
		}
		loadedCfg = cfg
		return nil
	},
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "/etc/coremta/coremta.toml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&noDaemon, "no-daemon", false, "run in the foreground instead of detaching")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "graceful shutdown drain timeout")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "optional dotenv-style file to load before parsing --config")

	rootCmd.AddCommand(runCmd, configShowCmd, configDiffCmd)
}

// applyEnvFile loads KEY=VALUE pairs from --env into the process environment
// before the config file is parsed, so a deployment can template secrets
// (DKIM key paths, TLS cert paths) in without writing them into the TOML
// file itself.
func applyEnvFile() {
	if envFile == "" {
		return
	}
	data, err := os.ReadFile(envFile)
	if err != nil {
		log.Error("reading --env file failed", err, "path", envFile)
		return
	}
	for _, line := range splitLines(string(data)) {
		k, v, ok := splitKV(line)
		if !ok {
			continue
		}
		os.Setenv(k, v)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server and block until shutdown",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	srv, err := server.NewFromConfig(loadedCfg)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	srv.SetShutdownTimeout(timeout)

	if noDaemon {
		log.Msg("running in the foreground (--no-daemon)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGUSR1:
				hooks.RunHooks(hooks.EventLogRotate)
			case syscall.SIGUSR2:
				hooks.RunHooks(hooks.EventReload)
			default:
				cancel()
				return
			}
		}
	}()

	log.Msg("server starting", "name", loadedCfg.Server.Name, "config", cfgPath)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	log.Msg("server stopped")
	return nil
}

var configShowCmd = &cobra.Command{
	Use:   "config-show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := toml.NewEncoder(os.Stdout)
		return enc.Encode(loadedCfg)
	},
}

var configDiffCmd = &cobra.Command{
	Use:   "config-diff",
	Short: "Print the settings that differ from the compiled-in defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults := config.Default()
		printConfigDiff(defaults, loadedCfg)
		return nil
	},
}

// printConfigDiff reports every line present in the loaded configuration's
// TOML rendering that doesn't appear verbatim in the defaults' rendering —
// a line-level diff, not a structural one, but enough to spot which
// directives were actually overridden from the file.
func printConfigDiff(defaults, loaded *config.Config) {
	defLines := toTOMLLines(defaults)
	defSet := make(map[string]struct{}, len(defLines))
	for _, l := range defLines {
		defSet[l] = struct{}{}
	}

	changed := false
	for _, l := range toTOMLLines(loaded) {
		if _, same := defSet[l]; !same {
			fmt.Println(l)
			changed = true
		}
	}
	if !changed {
		fmt.Println("# no differences from defaults")
	}
}

func toTOMLLines(cfg *config.Config) []string {
	var buf []byte
	w := &sliceWriter{&buf}
	_ = toml.NewEncoder(w).Encode(cfg)
	return splitLines(string(buf))
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitKV(line string) (key, value string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}
