package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quilldata/quill/internal/config"
	"github.com/quilldata/quill/internal/server"
	"github.com/quilldata/quill/pkg/logger"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quilld",
	Short: "Edge protocol frontend for quill databases",
	Long: `quilld terminates the quill binary protocol: it authenticates clients,
compiles queries through the out-of-process compiler, and executes them on
a dedicated SQL backend connection per session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(titleStyle.Render("quilld " + version))
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the protocol frontend",
	Long: `Start the protocol frontend. It accepts client connections and serves
them against the configured compiler and SQL backend.`,
	Example: `  quilld serve
  quilld serve --listen :5656 --backend postgres://localhost:5432/quill
  quilld serve --config /etc/quill/config.yaml`,
	RunE: runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an annotated default config file",
	Example: `  quilld config init
  quilld config init --output /etc/quill/config.yaml`,
	RunE: runConfigInit,
}

var (
	flagConfig     string
	flagListen     string
	flagAPIAddr    string
	flagBackendDSN string
	flagCompiler   string
	flagDevMode    bool
	flagOutput     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")

	serveCmd.Flags().StringVar(&flagListen, "listen", "", "protocol listen address")
	serveCmd.Flags().StringVar(&flagAPIAddr, "api", "", "status API listen address")
	serveCmd.Flags().StringVar(&flagBackendDSN, "backend", "", "SQL backend DSN")
	serveCmd.Flags().StringVar(&flagCompiler, "compiler", "", "compiler socket address")
	serveCmd.Flags().BoolVar(&flagDevMode, "dev", false, "enable developer mode")

	configInitCmd.Flags().StringVar(&flagOutput, "output", "config.yaml", "output path")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, versionCmd, configCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	if flagListen != "" {
		cfg.Server.ListenAddr = flagListen
	}
	if flagAPIAddr != "" {
		cfg.API.ListenAddr = flagAPIAddr
		cfg.API.Enabled = true
	}
	if flagBackendDSN != "" {
		cfg.Backend.DSN = flagBackendDSN
	}
	if flagCompiler != "" {
		cfg.Compiler.Addr = flagCompiler
	}
	if flagDevMode {
		cfg.Server.DevMode = true
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.SetLevel(cfg.Log.Level)
	logger.SetFormat(cfg.Log.Format)

	srvCfg := &server.Config{
		ListenAddr:        cfg.Server.ListenAddr,
		BackendDSN:        cfg.Backend.DSN,
		CompilerAddr:      cfg.Compiler.Addr,
		SchemaVersion:     cfg.Backend.SchemaVersion,
		MaxConnections:    cfg.Server.MaxConnections,
		QueryCacheEnabled: cfg.Server.QueryCache,
		CacheSize:         cfg.Server.QueryCacheSize,
		DevMode:           cfg.Server.DevMode,
		AuthTable:         cfg.Server.Users,
	}
	if cfg.API.Enabled {
		srvCfg.APIAddr = cfg.API.ListenAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(srvCfg)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Println(banner(version, srv.Addr().String(), cfg.Server.DevMode))

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(flagOutput); err == nil {
		return fmt.Errorf("%s already exists", flagOutput)
	}

	data, err := renderConfigTemplate()
	if err != nil {
		return err
	}
	if err := os.WriteFile(flagOutput, data, 0o600); err != nil {
		return err
	}

	fmt.Println(successStyle.Render("wrote " + flagOutput))
	return nil
}
