// Command clustermuxd is the process entrypoint: it loads configuration,
// builds the logger, constructs a cluster.Container, wires a NATS
// subscriber that decodes management-command envelopes into Container
// method calls, starts the HTTP forwarder, and shuts down on SIGINT/
// SIGTERM. Structurally this follows the teacher's cmd/load-balancer
// (config -> logger -> service -> signal-driven shutdown).
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/zeitwork/clustermux/internal/cluster"
	"github.com/zeitwork/clustermux/internal/executor"
	"github.com/zeitwork/clustermux/internal/forwarder"
	"github.com/zeitwork/clustermux/internal/shared/config"
	clustererrors "github.com/zeitwork/clustermux/internal/shared/errors"
	"github.com/zeitwork/clustermux/internal/shared/logging"
	clusternats "github.com/zeitwork/clustermux/internal/shared/nats"
)

// commandEnvelope is the small JSON envelope clustermuxd decodes off NATS.
// The wire protocol lives here, never inside internal/cluster: decoding
// happens at the command-transport boundary only.
type commandEnvelope struct {
	ID            string                 `json:"id"`
	Command       string                 `json:"command"`
	JVMRoute      string                 `json:"jvm_route"`
	Path          string                 `json:"path,omitempty"`
	Aliases       []string               `json:"aliases,omitempty"`
	Load          int                    `json:"load,omitempty"`
	Node          cluster.NodeConfig     `json:"node,omitempty"`
	Balancer      cluster.BalancerConfig `json:"balancer,omitempty"`
	OnlyIfInError bool                   `json:"only_if_in_error,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := executor.NewTicker(ctx)
	defer exec.Close()

	container := cluster.New(cluster.Config{
		Logger:                logger,
		HealthChecker:         cluster.NewTCPChecker(0),
		Executor:              exec,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		RemoveBrokenNodesMs:   cfg.RemoveBrokenNodesMs,
		FailoverCacheCapacity: cfg.FailoverCacheCapacity,
		FailoverCacheTTL:      cfg.FailoverCacheTTL,
	})

	nc, err := clusternats.NewClient(clusternats.Config{
		URL:           cfg.NATSURL,
		MaxReconnects: cfg.NATSMaxReconnect,
		ReconnectWait: cfg.NATSReconnectWait,
		Timeout:       cfg.NATSTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(cfg.NATSSubjectRoot+".>", func(msg *natsgo.Msg) {
		handleCommand(logger, container, msg)
	})
	if err != nil {
		logger.Error("failed to subscribe to command subjects", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	fwd := forwarder.New(container, logger)
	httpServer := &http.Server{Addr: cfg.ForwarderAddr, Handler: fwd}

	go func() {
		logger.Info("starting forwarder", "addr", cfg.ForwarderAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("forwarder server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal")
	cancel()
	_ = httpServer.Shutdown(context.Background())
	logger.Info("clustermuxd stopped")
}

// handleCommand decodes one management-command envelope and applies it to
// the container, replying with a structured errors.Reply if the message
// carried a NATS reply subject (request-reply pattern).
func handleCommand(logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}, container *cluster.Container, msg *natsgo.Msg) {
	var env commandEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Warn("failed to decode command envelope", "error", err)
		reply(msg, clustererrors.FromClusterError(err))
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	var cmdErr error
	switch env.Command {
	case "CONFIG":
		_, cmdErr = container.AddNode(env.Node, env.Balancer, 0, nil)
	case "ENABLE-APP":
		cmdErr = container.EnableContext(env.JVMRoute, env.Path, env.Aliases)
	case "DISABLE-APP":
		cmdErr = container.DisableContext(env.JVMRoute, env.Path)
	case "STOP-APP":
		count, err := container.StopContext(env.JVMRoute, env.Path)
		reply(msg, clustererrors.FromStopContext(count, err))
		return
	case "REMOVE-APP":
		cmdErr = container.RemoveContext(env.JVMRoute, env.Path)
	case "ENABLE-NODE":
		cmdErr = container.EnableNode(env.JVMRoute)
	case "DISABLE-NODE":
		cmdErr = container.DisableNode(env.JVMRoute)
	case "STOP-NODE":
		cmdErr = container.StopNode(env.JVMRoute)
	case "REMOVE-NODE":
		cmdErr = container.RemoveNode(env.JVMRoute, env.OnlyIfInError)
	case "STATUS":
		cmdErr = container.SetLoad(env.JVMRoute, env.Load)
	default:
		logger.Warn("unknown management command", "command", env.Command, "id", env.ID)
		return
	}

	reply(msg, clustererrors.FromClusterError(cmdErr))
}

func reply(msg *natsgo.Msg, r clustererrors.Reply) {
	if msg.Reply == "" {
		return
	}
	_ = msg.Respond(r.Marshal())
}
