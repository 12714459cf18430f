// raftd runs one consensus node with a file-backed WAL, a gRPC transport
// and the in-memory kv state machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/raftsim/pkg/codec"
	"github.com/vzdtic/raftsim/pkg/grpcrpc"
	"github.com/vzdtic/raftsim/pkg/kv"
	"github.com/vzdtic/raftsim/pkg/persist"
	"github.com/vzdtic/raftsim/pkg/raft"
)

func main() {
	var (
		id       = flag.String("id", "node-1", "node identifier")
		addr     = flag.String("addr", "127.0.0.1:7201", "listen address for raft RPCs")
		peerSpec = flag.String("peers", "", "comma-separated peer list, id=host:port")
		dataDir  = flag.String("data-dir", "", "directory for the write-ahead log")
		debug    = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("node", *id).Logger()
	logger := raft.NewZerologSink(zl)

	peers, err := parsePeers(*peerSpec)
	if err != nil {
		zl.Fatal().Err(err).Msg("bad -peers")
	}

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("./data/%s", *id)
	}
	engine, err := persist.NewWAL(dir)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to open WAL")
	}
	defer engine.Close()

	transport := grpcrpc.NewTransport(*addr, peers, codec.NewWire(), logger)

	peerIDs := make([]string, 0, len(peers))
	for peerID := range peers {
		peerIDs = append(peerIDs, peerID)
	}
	config := raft.DefaultConfig(*id, peerIDs)
	config.ElectionTimeoutMin = 300 * time.Millisecond
	config.ElectionTimeoutMax = 600 * time.Millisecond
	config.HeartbeatInterval = 100 * time.Millisecond

	node := raft.NewNode(config, engine, transport, kv.New(), raft.WithLogger(logger))

	if err := transport.Start(); err != nil {
		zl.Fatal().Err(err).Msg("failed to start transport")
	}
	if err := node.Start(); err != nil {
		zl.Fatal().Err(err).Msg("failed to start node")
	}
	zl.Info().Str("addr", *addr).Int("peers", len(peers)).Msg("raftd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zl.Info().Msg("shutting down")
	node.Stop()
	transport.Close()
}

func parsePeers(spec string) (map[string]string, error) {
	peers := make(map[string]string)
	if spec == "" {
		return peers, nil
	}
	for _, part := range strings.Split(spec, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("peer %q is not id=host:port", part)
		}
		peers[id] = addr
	}
	return peers, nil
}
