// Command votecoordinatord wires together identity, coordstore, auditstore,
// transport, the vote engine, the detector, and housekeeping. It is
// intentionally thin: flag parsing covers only what's needed to locate the
// trust anchor and data files (the full operator CLI/REST surface is out of
// scope), grounded on cmd/p2pd/main.go's flag-then-wire shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bftquorum/auditstore"
	"bftquorum/config"
	"bftquorum/coordstore"
	"bftquorum/detector"
	"bftquorum/housekeeping"
	"bftquorum/identity"
	"bftquorum/model"
	"bftquorum/observability/logging"
	"bftquorum/transport"
	"bftquorum/voteengine"
)

func main() {
	configPath := flag.String("config", "./trust-anchor.toml", "Path to the cluster trust-anchor file")
	dataDir := flag.String("data-dir", "./data", "Directory for the coordination store and audit database")
	keystorePassEnv := flag.String("keystore-pass-env", "VOTECOORD_KEYSTORE_PASS", "Environment variable holding the node keystore passphrase")
	allowKeyGen := flag.Bool("allow-key-generation", false, "Generate a fresh signing key if the keystore is absent (first bring-up only)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VOTECOORD_ENV"))
	logger := logging.Setup("votecoordinatord", env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load trust anchor: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare data directory: %v\n", err)
		os.Exit(1)
	}

	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = filepath.Join(*dataDir, "node.keystore.json")
	}
	passphrase := os.Getenv(*keystorePassEnv)
	priv, err := identity.LoadOrGenerate(keystorePath, passphrase, *allowKeyGen)
	if err != nil {
		// Catastrophic per spec.md §7: a missing keypair refuses startup
		// rather than degrading silently.
		fmt.Fprintf(os.Stderr, "failed to load node identity: %v\n", err)
		os.Exit(1)
	}
	id := identity.New(cfg.NodeID, priv)

	publicKeys, err := cfg.PublicKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve roster public keys: %v\n", err)
		os.Exit(1)
	}

	cs, err := coordstore.NewBoltStore(filepath.Join(*dataDir, "coordstore.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open coordination store: %v\n", err)
		os.Exit(1)
	}
	defer cs.Close()

	audit, err := auditstore.Open(filepath.Join(*dataDir, "audit.db"), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit store: %v\n", err)
		os.Exit(1)
	}
	defer audit.Close()

	resolver := rosterResolver(publicKeys)
	det := detector.New(cs, audit, resolver)

	rosterEntries := make([]transport.RosterEntry, 0, len(cfg.Roster))
	nodeIDs := make([]int, 0, len(cfg.Roster))
	for _, p := range cfg.Roster {
		pub, ok := publicKeys[p.NodeID]
		if !ok {
			continue
		}
		rosterEntries = append(rosterEntries, transport.RosterEntry{NodeID: p.NodeID, PublicKey: pub, Address: p.Address})
		nodeIDs = append(nodeIDs, p.NodeID)
	}
	roster := transport.NewRoster(rosterEntries)

	banChecker := func(nodeID int) bool {
		banned, err := det.IsBanned(context.Background(), nodeID)
		if err != nil {
			logger.Warn("ban check failed, treating as not-banned", "node_id", nodeID, "error", err)
			return false
		}
		return banned
	}

	server := transport.NewServer(id, cfg.ClusterID, roster, transport.Config{ListenAddr: cfg.ListenAddr}, banChecker, logger)

	engineCfg := voteengine.Config{N: cfg.N, Threshold: cfg.Threshold, NodeID: cfg.NodeID}
	sub := noopSubmitter{log: logger}
	engine := voteengine.New(engineCfg, id, cs, audit, det, server, sub, logger)
	engine.SetRosterNodeIDs(nodeIDs)

	server.OnBroadcast("/votes", func(fromNodeID int, payload []byte) {
		engine.OnReceiveBroadcast(context.Background(), fromNodeID, payload)
	})
	wireRequestHandlers(server, engine, id, audit)

	hk := housekeeping.New(cs, audit, housekeeping.Config{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start transport: %v\n", err)
		os.Exit(1)
	}
	hk.Start(ctx)
	go runDeadlineSweep(ctx, engine, logger)

	logger.Info("votecoordinatord initialised and running", "node_id", cfg.NodeID, "cluster_id", cfg.ClusterID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	hk.Stop()
	_ = server.Close()
}

func runDeadlineSweep(ctx context.Context, engine *voteengine.Engine, logger interface {
	Error(msg string, args ...any)
}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.RunDeadlineSweep(ctx); err != nil {
				logger.Error("deadline sweep failed", "error", err)
			}
		}
	}
}

type rosterResolver map[int]*identity.PublicKey

func (r rosterResolver) PublicKey(nodeID int) (*identity.PublicKey, bool) {
	pub, ok := r[nodeID]
	return pub, ok
}

// noopSubmitter is a placeholder downstream collaborator (spec.md §6): the
// real submitter is an out-of-scope external service. It confirms every
// submission immediately so the engine's state machine can be exercised
// end-to-end without one.
type noopSubmitter struct {
	log interface {
		Warn(msg string, args ...any)
	}
}

func (n noopSubmitter) Submit(ctx context.Context, txID []byte, value uint64, participants []int) (model.SubmissionResult, error) {
	n.log.Warn("no downstream submitter configured, auto-confirming", "tx_id", string(txID))
	return model.SubmissionResult{Kind: model.SubmissionConfirmed}, nil
}

// wireRequestHandlers answers the four recognized per-peer queries of
// spec.md §6's request/response table.
func wireRequestHandlers(server *transport.Server, engine *voteengine.Engine, id *identity.Identity, audit *auditstore.Store) {
	server.OnRequest(transport.ReqPing, func(fromNodeID int, payload []byte) ([]byte, error) {
		return []byte("pong"), nil
	})
	server.OnRequest(transport.ReqGetPublicKey, func(fromNodeID int, payload []byte) ([]byte, error) {
		return id.PublicKey().Bytes(), nil
	})
	server.OnRequest(transport.ReqGetReputation, func(fromNodeID int, payload []byte) ([]byte, error) {
		var nodeID int
		if err := json.Unmarshal(payload, &nodeID); err != nil {
			return nil, err
		}
		rep, ok, err := audit.GetReputation(nodeID)
		if err != nil {
			return nil, err
		}
		score := 1.0
		if ok {
			score = rep.Score
		}
		return json.Marshal(score)
	})
	server.OnRequest(transport.ReqGetVoteStatus, func(fromNodeID int, payload []byte) ([]byte, error) {
		var txID []byte
		if err := json.Unmarshal(payload, &txID); err != nil {
			return nil, err
		}
		report, err := engine.Status(context.Background(), txID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(transport.VoteStatusResponse{
			HasVoted:     report.Voted,
			ValueIfVoted: report.VotedFor,
			CurrentTally: report.Tallies,
		})
	})
}
