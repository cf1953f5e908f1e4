package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/host"
	"github.com/cuemby/burrow/pkg/node"
	"github.com/cuemby/burrow/pkg/types"
)

// nodeFile is the YAML shape accepted by --config. Durations are strings
// in Go syntax ("1s", "500ms").
type nodeFile struct {
	Name        string `yaml:"name"`
	Listen      string `yaml:"listen"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ScratchDir  string `yaml:"scratchDir"`
	CacheLimit  int    `yaml:"cacheLimit"`
	GraceWindow string `yaml:"graceWindow"`
	Interpreter string `yaml:"interpreter"`
	KillDelay   string `yaml:"killDelay"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a worker node",
	Long: `Run a worker node: an HTTP server that accepts bundle uploads and
spawns workers from them on behalf of remote clients.

Examples:
  # Listen on the default port with no auth
  burrow serve

  # Guard the node and pin the scratch directory
  burrow serve --listen :4017 --username ops --password s3cret --scratch-dir /var/lib/burrow

  # Everything from a config file; explicit flags still win
  burrow serve --config node.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "YAML config file")
	serveCmd.Flags().String("name", "", "Node name reported to clients (default: hostname)")
	serveCmd.Flags().String("listen", ":4017", "Address to listen on")
	serveCmd.Flags().String("username", "", "Basic auth username")
	serveCmd.Flags().String("password", "", "Basic auth password")
	serveCmd.Flags().String("scratch-dir", "", "Directory for the bundle cache")
	serveCmd.Flags().Int("cache-limit", 0, "Bundle count that triggers a cache clear on startup")
	serveCmd.Flags().Duration("grace-window", 0, "How long an idle exit-on-request-end worker survives")
	serveCmd.Flags().String("interpreter", "", "Executable that runs worker bundles (default: node)")
	serveCmd.Flags().Duration("kill-delay", 0, "SIGTERM-to-SIGKILL grace on worker termination")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var file nodeFile
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config: %v", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse config: %v", err)
		}
	}

	graceWindow, err := durationSetting(cmd, "grace-window", file.GraceWindow)
	if err != nil {
		return err
	}
	killDelay, err := durationSetting(cmd, "kill-delay", file.KillDelay)
	if err != nil {
		return err
	}

	workerHost, err := host.NewExecHost(&host.ExecConfig{
		Interpreter: stringSetting(cmd, "interpreter", file.Interpreter),
		KillDelay:   killDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to set up worker host: %v", err)
	}

	listen := stringSetting(cmd, "listen", file.Listen)
	srv, err := node.NewServer(&node.Config{
		Name:       stringSetting(cmd, "name", file.Name),
		ListenAddr: listen,
		Credentials: types.Credentials{
			Username: stringSetting(cmd, "username", file.Username),
			Password: stringSetting(cmd, "password", file.Password),
		},
		ScratchDir:  stringSetting(cmd, "scratch-dir", file.ScratchDir),
		CacheLimit:  intSetting(cmd, "cache-limit", file.CacheLimit),
		GraceWindow: graceWindow,
		Version:     Version,
		NodeVersion: runtime.Version(),
		Host:        workerHost,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("Node listening on %s. Press Ctrl+C to stop.\n", listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("failed to shut down: %v", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// stringSetting resolves a string option: an explicitly set flag wins over
// the config file, which wins over the flag default.
func stringSetting(cmd *cobra.Command, name, fromFile string) string {
	if cmd.Flags().Changed(name) || fromFile == "" {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return fromFile
}

func intSetting(cmd *cobra.Command, name string, fromFile int) int {
	if cmd.Flags().Changed(name) || fromFile == 0 {
		v, _ := cmd.Flags().GetInt(name)
		return v
	}
	return fromFile
}

func durationSetting(cmd *cobra.Command, name, fromFile string) (time.Duration, error) {
	if cmd.Flags().Changed(name) || fromFile == "" {
		v, _ := cmd.Flags().GetDuration(name)
		return v, nil
	}
	d, err := time.ParseDuration(fromFile)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q in config: %v", name, fromFile, err)
	}
	return d, nil
}
