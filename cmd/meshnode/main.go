// Package main runs a standalone overlay node over UDP.
//
// Configuration is read from a .env file, then MESH_* environment
// variables, then command-line flags, each overriding the previous:
//
//	MESH_LISTEN_ADDR    UDP listen address (-listen)
//	MESH_BOOTSTRAP      comma-separated "<node id>@host:port" peers (-bootstrap)
//	MESH_SECRET_KEY     hex secret key; a fresh identity is used when empty (-secret-key)
//	MESH_METRICS_ADDR   Prometheus endpoint address, empty to disable (-metrics)
//	MESH_LOG_LEVEL      logrus level (-log-level)
//	MESH_PRESENCE       presence broadcast interval, 0 to disable (-presence)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/messaging"
	"github.com/opd-ai/meshcore/metrics"
)

// nodeConfig is the resolved command-line configuration.
type nodeConfig struct {
	listenAddr       string
	bootstrap        string
	secretKey        string
	metricsAddr      string
	logLevel         string
	presenceInterval time.Duration
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "envDuration",
			"key":      key,
			"value":    v,
		}).Warn("Ignoring malformed duration")
		return fallback
	}
	return d
}

// parseConfig loads .env, then the environment, then flags.
func parseConfig() *nodeConfig {
	// a missing .env file is not an error
	_ = godotenv.Load()

	config := &nodeConfig{}
	flag.StringVar(&config.listenAddr, "listen", envOr("MESH_LISTEN_ADDR", meshcore.DefaultListenAddr), "UDP listen address")
	flag.StringVar(&config.bootstrap, "bootstrap", envOr("MESH_BOOTSTRAP", ""), "Comma-separated bootstrap peers as <node id>@host:port")
	flag.StringVar(&config.secretKey, "secret-key", envOr("MESH_SECRET_KEY", ""), "Hex-encoded secret key of the node identity")
	flag.StringVar(&config.metricsAddr, "metrics", envOr("MESH_METRICS_ADDR", ":9100"), "Prometheus metrics address, empty to disable")
	flag.StringVar(&config.logLevel, "log-level", envOr("MESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.DurationVar(&config.presenceInterval, "presence", envDuration("MESH_PRESENCE", 0), "Presence broadcast interval, 0 to disable")
	flag.Parse()

	return config
}

// buildOptions converts the configuration into manager options.
func buildOptions(config *nodeConfig) (*meshcore.Options, error) {
	opts := meshcore.NewOptions()
	opts.ListenAddr = config.listenAddr

	if config.secretKey != "" {
		kp, err := crypto.FromSecretKeyHex(config.secretKey)
		if err != nil {
			return nil, fmt.Errorf("secret key: %w", err)
		}
		opts.KeyPair = kp
	}

	peers, err := meshcore.ParsePeerAddresses(config.bootstrap)
	if err != nil {
		return nil, err
	}
	opts.BootstrapPeers = peers
	return opts, nil
}

// logEvents logs every network event until the subscription closes.
func logEvents(sub *events.Subscription) {
	for ev := range sub.Events() {
		fields := logrus.Fields{
			"event": ev.Type.String(),
		}
		if !ev.PeerID.IsZero() {
			fields["peer_id"] = ev.PeerID.Short()
		}
		if ev.Reason != "" {
			fields["reason"] = ev.Reason
		}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}

		switch ev.Type {
		case events.MessageSent, events.MessageDropped, events.LookupCompleted:
			logrus.WithFields(fields).Debug("Network event")
		default:
			logrus.WithFields(fields).Info("Network event")
		}
	}
}

// announcePresence broadcasts a presence message every interval.
func announcePresence(ctx context.Context, node *meshcore.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := node.NewBroadcastMessage(messaging.Presence, []byte(node.PeerAddress()))
			if _, err := node.BroadcastMessage(ctx, msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "announcePresence",
					"error":    err.Error(),
				}).Warn("Presence broadcast failed")
			}
		}
	}
}

func run(config *nodeConfig) error {
	opts, err := buildOptions(config)
	if err != nil {
		return err
	}

	node, err := meshcore.New(opts)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logEvents(node.SubscribeToNetwork(ctx))

	node.OnMessage(func(msg *messaging.Message) {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"type":       msg.Type.String(),
			"from":       msg.From.Short(),
			"size":       len(msg.Payload),
		}).Info("Message received")
	})

	if config.metricsAddr != "" {
		server := metrics.NewServer(config.metricsAddr, node.Metrics())
		if _, err := server.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Stop(shutdownCtx)
		}()
	}

	if err := node.Start(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"peer_address": node.PeerAddress(),
		"bootstrap":    len(opts.BootstrapPeers),
	}).Info("Node running")

	if config.presenceInterval > 0 {
		go announcePresence(ctx, node, config.presenceInterval)
	}

	<-ctx.Done()
	logrus.Info("Shutting down")
	node.Stop()
	return nil
}

func main() {
	config := parseConfig()

	level, err := logrus.ParseLevel(config.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", config.logLevel, err)
		os.Exit(2)
	}
	logrus.SetLevel(level)

	if err := run(config); err != nil {
		logrus.WithError(err).Error("Node failed")
		os.Exit(1)
	}
}
