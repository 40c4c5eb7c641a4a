// Command director runs the server-side control plane: mediator,
// gateway, compilation service, and experiment processor, all built
// around a Raft-replicated store the way cmd/warren assembles the
// teacher's manager, scheduler, and reconciler around its own Raft-backed
// FSM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netunicorn/director/pkg/cluster"
	"github.com/netunicorn/director/pkg/compiler"
	"github.com/netunicorn/director/pkg/config"
	"github.com/netunicorn/director/pkg/connector"
	"github.com/netunicorn/director/pkg/gateway"
	"github.com/netunicorn/director/pkg/infra"
	"github.com/netunicorn/director/pkg/logx"
	"github.com/netunicorn/director/pkg/mediator"
	"github.com/netunicorn/director/pkg/processor"
	"github.com/netunicorn/director/pkg/store"
	"github.com/netunicorn/director/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "director",
	Short:   "netunicorn experiment orchestration director",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("director %s (commit %s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "emit JSON logs (console-pretty when false)")

	serveCmd.Flags().String("config", "director.yaml", "path to the connector configuration file")
	serveCmd.Flags().String("node-id", "director-1", "this replica's Raft node id")
	serveCmd.Flags().String("join", "", "address of an existing leader, logged only; when set the replica starts without bootstrapping and waits for that leader to add it as a voter (empty bootstraps a new single-node cluster)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "run the director control plane",
	SilenceUsage: true,
	RunE:         runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	logx.Init(logx.Config{Level: logx.Level(logLevel), JSONOutput: jsonLogs})
	log := logx.WithComponent("main")

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	joinAddr, _ := cmd.Flags().GetString("join")

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	raftAddr := cfg.RaftAddr
	if raftAddr == "" {
		raftAddr = "127.0.0.1:7946"
	}
	cl := cluster.New(cluster.Config{NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir}, s)
	if joinAddr != "" {
		if err := cl.Join(); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		log.Info().Str("join_addr", joinAddr).Msg("started as a joining Raft voter; an existing leader must call AddVoter")
	} else {
		if err := cl.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		log.Info().Msg("bootstrapped single-node Raft cluster")
	}
	defer cl.Shutdown()

	registry, err := buildConnectorRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build connector registry: %w", err)
	}

	infraSvc := infra.New(registry, s, cl)

	builder, err := buildCompilerBuilder(cfg)
	if err != nil {
		return fmt.Errorf("build compiler builder: %w", err)
	}
	compilerSvc := compiler.New(s, cl, cl, builder)

	processorSvc := processor.New(s, cl, cl, registryCleaner{registry})

	users := make([]mediator.StaticUser, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, mediator.StaticUser{Username: u.Username, Password: u.Password, Sudo: u.Sudo, AccessTags: u.AccessTags})
	}
	auth := mediator.NewStaticAuthenticator(users)
	mediatorSrv := mediator.New(s, cl, infraSvc, auth)
	gatewaySrv := gateway.New(s, cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go compilerSvc.Run(ctx)
	go processorSvc.Run(ctx)

	mediatorAddr := cfg.MediatorAddr
	if mediatorAddr == "" {
		mediatorAddr = "127.0.0.1:8000"
	}
	gatewayAddr := cfg.GatewayAddr
	if gatewayAddr == "" {
		gatewayAddr = "127.0.0.1:8001"
	}

	mediatorHTTP := &http.Server{Addr: mediatorAddr, Handler: mediatorSrv}
	gatewayHTTP := &http.Server{Addr: gatewayAddr, Handler: gatewaySrv}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", mediatorAddr).Msg("mediator listening")
		if err := mediatorHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("mediator server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", gatewayAddr).Msg("gateway listening")
		if err := gatewayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = mediatorHTTP.Shutdown(shutdownCtx)
	_ = gatewayHTTP.Shutdown(shutdownCtx)

	cancel()
	compilerSvc.Stop()
	processorSvc.Stop()

	log.Info().Msg("shutdown complete")
	return nil
}

// registryCleaner adapts *connector.Registry to processor.Cleaner.
type registryCleaner struct {
	registry *connector.Registry
}

func (r registryCleaner) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	return r.registry.Cleanup(ctx, experimentID, deployments)
}

func buildConnectorRegistry(cfg *config.Config) (*connector.Registry, error) {
	connectors := make(map[string]connector.Connector, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		switch c.Type {
		case "process":
			executorPath, _ := c.Options["executor_path"].(string)
			gatewayAddr, _ := c.Options["gateway_addr"].(string)
			var nodeNames []string
			if raw, ok := c.Options["nodes"].([]interface{}); ok {
				for _, n := range raw {
					if s, ok := n.(string); ok {
						nodeNames = append(nodeNames, s)
					}
				}
			}
			inner := connector.NewProcessConnector(connector.ProcessConnectorConfig{
				Name:         c.Name,
				ExecutorPath: executorPath,
				GatewayAddr:  gatewayAddr,
				NodeNames:    nodeNames,
			})
			connectors[c.Name] = connector.WrapWithBreaker(c.Name, inner)
		default:
			return nil, fmt.Errorf("unknown connector type %q for connector %q", c.Type, c.Name)
		}
	}
	return connector.NewRegistry(connectors), nil
}

func buildCompilerBuilder(cfg *config.Config) (compiler.Builder, error) {
	if cfg.Registry == "" {
		return noopBuilder{}, nil
	}
	return compiler.NewContainerdBuilder("")
}

// noopBuilder marks every compilation as successful without running a
// real build, for configurations that never declared an image registry
// (e.g. the process connector's local-process development mode).
type noopBuilder struct{}

func (noopBuilder) Build(ctx context.Context, spec compiler.BuildSpec) (compiler.BuildOutcome, error) {
	return compiler.BuildOutcome{ImageTag: spec.Tag, Log: []string{"noop builder: marked ready without a real build"}}, nil
}
