package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/conductor/pkg/api"
	"github.com/cuemby/conductor/pkg/client"
	"github.com/cuemby/conductor/pkg/conductor"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Agent-centric distributed app conductor",
		Long:  "Runs cells, validates and integrates DHT operations, and serves the admin and app interfaces.",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fileConfig is the YAML shape of the conductor config file.
type fileConfig struct {
	Conductor     conductor.Config  `yaml:"conductor"`
	AdminAddr     string            `yaml:"admin_addr"`
	LogLevel      string            `yaml:"log_level"`
	LogJSON       bool              `yaml:"log_json"`
	LogComponents map[string]string `yaml:"log_components,omitempty"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{AdminAddr: "127.0.0.1:4444", LogLevel: "info"}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var configPath string
	var dataDir string
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conductor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.Conductor.DataDir = dataDir
			}
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}
			if cfg.Conductor.DataDir == "" {
				cfg.Conductor.DataDir = defaultDataDir()
			}

			if err := log.Init(log.Config{
				Level:      cfg.LogLevel,
				JSONOutput: cfg.LogJSON,
				Components: cfg.LogComponents,
			}); err != nil {
				return err
			}
			metrics.Register()

			ks := keystore.New()
			loop := network.NewLoopback()
			cond, err := conductor.New(cfg.Conductor, ks, loop, loop)
			if err != nil {
				return err
			}
			defer cond.Shutdown()

			admin := api.NewAdminServer(cond)
			if err := admin.Start(cfg.AdminAddr); err != nil {
				return err
			}
			defer admin.Stop()

			log.Logger.Info().Str("admin_addr", cfg.AdminAddr).Msg("Conductor running")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Logger.Info().Msg("Shutting down")
			log.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "Admin interface address (overrides config)")
	return cmd
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./conductor-data"
	}
	return home + "/.conductor"
}

func adminCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin interface commands",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "ws://127.0.0.1:4444", "Admin interface URL")

	connect := func() (*client.Client, error) {
		return client.Connect(addr)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "gen-agent",
		Short: "Generate a new agent key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := connect()
			if err != nil {
				return err
			}
			defer cl.Close()
			var agent hash.Hash
			if err := cl.Request("generate_agent_key", nil, &agent); err != nil {
				return err
			}
			fmt.Println(agent)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list-apps",
		Short: "List installed apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := connect()
			if err != nil {
				return err
			}
			defer cl.Close()
			var apps []api.AppSummary
			if err := cl.Request("list_apps", nil, &apps); err != nil {
				return err
			}
			for _, app := range apps {
				fmt.Printf("%s\t%s\t%d cells\n", app.AppID, app.Status, len(app.Cells))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list-dnas",
		Short: "List registered DNAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := connect()
			if err != nil {
				return err
			}
			defer cl.Close()
			var dnas []hash.Hash
			if err := cl.Request("list_dnas", nil, &dnas); err != nil {
				return err
			}
			for _, dna := range dnas {
				fmt.Println(dna)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable-app [app-id]",
		Short: "Enable an installed app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := connect()
			if err != nil {
				return err
			}
			defer cl.Close()
			var out struct {
				AppID      string   `msgpack:"app_id"`
				Status     string   `msgpack:"status"`
				CellErrors []string `msgpack:"cell_errors"`
			}
			if err := cl.Request("enable_app", map[string]string{"app_id": args[0]}, &out); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", out.AppID, out.Status)
			for _, ce := range out.CellErrors {
				fmt.Printf("  cell error: %s\n", ce)
			}
			return nil
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
