package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/nats-io/nats.go"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/fleetwork/drover/pkg/auth"
	"github.com/fleetwork/drover/pkg/cluster"
	"github.com/fleetwork/drover/pkg/config"
	"github.com/fleetwork/drover/pkg/eventbus"
	"github.com/fleetwork/drover/pkg/filesystem"
	"github.com/fleetwork/drover/pkg/infra"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/masterkeys"
	"github.com/fleetwork/drover/pkg/matcher"
	"github.com/fleetwork/drover/pkg/publish"
	"github.com/fleetwork/drover/pkg/request"
	"github.com/fleetwork/drover/pkg/secrets"
	"github.com/fleetwork/drover/pkg/sessionkey"
	"github.com/fleetwork/drover/pkg/wire"
)

// NewStartCmd creates the start command
func NewStartCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "start",
		Short: "Start a drover master",
		Long:  "Start a drover master with the specified configuration",
		RunE:  runMaster,
	}

	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().BoolP("decrypt-private-key", "d", false, "Decrypt the master private key")
	cmd.Flags().StringP("password-file", "f", "", "Path to file containing the keystore password")
	cmd.Flags().StringP("key-password-file", "k", "", "Path to file containing the password for the .age encrypted master key")
	cmd.Flags().Bool("debug", false, "Enable debug logging")

	return cmd
}

func runMaster(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	decryptKey, _ := cmd.Flags().GetBool("decrypt-private-key")
	passwordFile, _ := cmd.Flags().GetString("password-file")
	keyPasswordFile, _ := cmd.Flags().GetString("key-password-file")
	debug, _ := cmd.Flags().GetBool("debug")

	config.SetEnvConfigPath(configPath)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(cfg.Environment, debug)

	if passwordFile != "" {
		raw, err := os.ReadFile(passwordFile)
		if err != nil {
			return fmt.Errorf("failed to read password file: %w", err)
		}
		config.SetBadgerPassword(strings.TrimSpace(string(raw)))
	}

	keys, err := masterkeys.Load(cfg.PKIDir, masterkeys.Options{
		Decrypt:      decryptKey,
		PasswordFile: keyPasswordFile,
	})
	if err != nil {
		logger.Fatal("Failed to load master keys", err)
	}

	secretStore, err := secrets.NewStore()
	if err != nil {
		logger.Fatal("Failed to seed master secrets", err)
	}
	cell := secretStore.CellFor(cfg.ClusterID)

	sessionDir := filepath.Join(cfg.CacheDir, "session_keys")
	if err := filesystem.EnsureDir(sessionDir); err != nil {
		logger.Fatal("Failed to create session key directory", err)
	}
	sessions, err := sessionkey.NewManager(sessionDir, time.Duration(cfg.PublishSession)*time.Second)
	if err != nil {
		logger.Fatal("Failed to create session key manager", err)
	}

	var consulClient *api.Client
	if cfg.KeystoreType == config.KeystoreTypeConsul || cfg.IsCluster() {
		consulClient = infra.GetConsulClient(cfg.Environment)
	}
	store, err := keystore.NewStore(cfg, consulClient)
	if err != nil {
		logger.Fatal("Failed to open keystore", err)
	}
	defer store.Close()

	nc, err := infra.GetNATSConnection()
	if err != nil {
		logger.Fatal("Failed to connect to NATS", err)
	}
	bus := eventbus.NewNATSBus(nc)

	var registry matcher.ConnectedRegistry
	if consulClient != nil {
		registry = matcher.NewConsulRegistry(consulClient.KV())
	} else {
		registry = matcher.NewMemoryRegistry()
	}
	match := matcher.NewService(store.AcceptedIDs, registry)

	verifier := auth.NewMinionVerifier(store)
	authr := auth.New(auth.Options{
		PublishPort:             cfg.PublishPort,
		AuthMode:                cfg.AuthMode,
		MaxMinions:              cfg.MaxMinions,
		SignPubMessages:         cfg.MasterSignPubkey,
		PublishSigningAlgorithm: cfg.PublishSigningAlgorithm,
		AuthEvents:              cfg.AuthEvents,
	}, keys, store, auth.NewPolicy(cfg), cell, sessions, match, bus)

	dispatcher := request.NewDispatcher(request.Options{
		TTL:              cfg.RequestServerTTL,
		SigningAlgorithm: cfg.PublishSigningAlgorithm,
	}, cell, sessions, verifier, authr, keys, store, masterHandler(bus))

	appContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	reqServer := request.NewServer(nc, dispatcher)
	if err := reqServer.Start(appContext); err != nil {
		logger.Fatal("Failed to start request server", err)
	}
	defer reqServer.Close()

	transport := publish.NewNATSTransport(nc)
	router := publish.NewRouter(publish.Options{
		ClusterMember:    cfg.IsCluster(),
		SignPubMessages:  cfg.SignPubMessages,
		SigningAlgorithm: cfg.PublishSigningAlgorithm,
		PresenceEvents:   cfg.PresenceEvents,
	}, cell, keys, match, verifier, registry, transport, bus)

	if err := publish.StartPresenceListener(nc, router); err != nil {
		logger.Fatal("Failed to start presence listener", err)
	}

	queue, err := publish.NewQueue(nc)
	if err != nil {
		logger.Fatal("Failed to create publish queue", err)
	}
	if err := queue.Drain(appContext, router); err != nil {
		logger.Fatal("Failed to start publish queue consumer", err)
	}
	defer queue.Close()

	var relay *cluster.Relay
	if cfg.IsCluster() {
		relay, err = startClusterRelay(appContext, cfg, nc, keys, cell, bus)
		if err != nil {
			logger.Fatal("Failed to start cluster relay", err)
		}
	}

	go rotateSecrets(appContext, cfg, cell, relay)
	if cfg.PresenceEvents {
		go presenceSnapshots(appContext, router)
	}

	logger.Info("Master is running", "id", cfg.MasterID, "publish_port", cfg.PublishPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Warn("Shutdown signal received, canceling context...")
	cancel()

	if err := nc.Drain(); err != nil {
		logger.Error("Failed to drain NATS connection", err)
	}
	return nil
}

// startClusterRelay wires peer pushers, the pool listener and the local
// event feed, then announces our key to the peers.
func startClusterRelay(
	ctx context.Context,
	cfg *config.Config,
	nc *nats.Conn,
	keys *masterkeys.Keys,
	cell *secrets.Cell,
	bus eventbus.Bus,
) (*cluster.Relay, error) {
	pushers := lo.Map(cfg.ClusterPeers, func(peer string, _ int) cluster.PeerPusher {
		return cluster.NewNATSPusher(nc, peer)
	})
	relay := cluster.NewRelay(cfg.MasterID, cfg.ClusterPeers, keys, cell, bus, pushers)

	_, err := nc.Subscribe(cluster.PoolSubject(cfg.MasterID), func(msg *nats.Msg) {
		relay.HandlePoolPublish(ctx, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pool subject: %w", err)
	}

	// every local event fans out to the peers
	_, err = eventbus.Subscribe(nc, "", func(tag string, data []byte) {
		packed, err := eventbus.Pack(tag, json.RawMessage(data))
		if err != nil {
			logger.Error("Failed to reframe local event", err, "tag", tag)
			return
		}
		relay.PublishPayload(ctx, packed)
	})
	if err != nil {
		return nil, err
	}

	if err := relay.SendAESKeyEvent(); err != nil {
		logger.Error("Initial key announcement failed", err)
	}
	return relay, nil
}

// rotateSecrets ages out the shared secret on the publish session interval
// and re-announces it to cluster peers. In a cluster only the lowest master
// id rotates; the others adopt its key through the exchange.
func rotateSecrets(ctx context.Context, cfg *config.Config, cell *secrets.Cell, relay *cluster.Relay) {
	if cfg.IsCluster() && lo.Min(append([]string{cfg.MasterID}, cfg.ClusterPeers...)) != cfg.MasterID {
		return
	}
	interval := time.Duration(cfg.PublishSession) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cell.Rotate(); err != nil {
				logger.Error("Failed to rotate master secret", err)
				continue
			}
			logger.Info("Master secret rotated")
			if relay != nil {
				if err := relay.SendAESKeyEvent(); err != nil {
					logger.Error("Failed to announce rotated secret", err)
				}
			}
		}
	}
}

func presenceSnapshots(ctx context.Context, router *publish.Router) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			router.FirePresentSnapshot()
		}
	}
}

// masterHandler is the application layer behind the request channel.
func masterHandler(bus eventbus.Bus) request.Handler {
	return func(ctx context.Context, load wire.Load) (any, wire.ReplyOptions, error) {
		switch load.Cmd() {
		case "ping":
			return wire.Load{"ret": true}, wire.ReplyOptions{Mode: wire.ReplySend}, nil
		case "_minion_event":
			id, _ := load.ID()
			tag, _ := load["tag"].(string)
			if tag == "" {
				tag = eventbus.Tagify(id, "minion")
			}
			if err := bus.Fire(load["data"], tag, 0); err != nil {
				logger.Warn("Failed to forward minion event", "minion", id, "tag", tag)
			}
			return wire.Load{"ret": true}, wire.ReplyOptions{Mode: wire.ReplySendClear}, nil
		}
		logger.Warn("Request for unknown command", "cmd", load.Cmd())
		return wire.Load{"ret": false}, wire.ReplyOptions{Mode: wire.ReplySendClear}, nil
	}
}
