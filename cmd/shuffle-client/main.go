// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// shuffle-client is a harness process exercising the Data Pusher and
// Input Stream against a worker directly, by host:port, the way a
// compute-framework executor would after asking the (out-of-scope)
// lifecycle manager where a partition lives.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/shufflerd/shufflerd/internal/commitmeta"
	"github.com/shufflerd/shufflerd/internal/config"
	"github.com/shufflerd/shufflerd/internal/inputstream"
	"github.com/shufflerd/shufflerd/internal/logging"
	"github.com/shufflerd/shufflerd/internal/pki"
	"github.com/shufflerd/shufflerd/internal/pusher"
	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/transport"
	"github.com/shufflerd/shufflerd/internal/wire"
)

func main() {
	configPath := flag.String("config", "/etc/shufflerd/client.yaml", "path to client config file")
	mode := flag.String("mode", "", "push or fetch")
	appID := flag.String("app", "", "application id")
	shuffleID := flag.Uint("shuffle", 0, "shuffle id")
	partitionID := flag.Uint("partition", 0, "partition id")
	mapID := flag.Uint("map-id", 0, "map task id (push mode)")
	attemptID := flag.Uint("attempt-id", 0, "map attempt id (push mode)")
	startMap := flag.Uint("start-map", 0, "first map id to fetch, inclusive (fetch mode)")
	endMap := flag.Uint("end-map", 1, "last map id to fetch, exclusive (fetch mode)")
	attempts := flag.String("attempts", "", "comma-separated map:attempt overrides for fetch mode; maps without an override read attempt 0")
	primary := flag.String("primary", "", "primary worker push/fetch host:port, e.g. worker-a:9871")
	replica := flag.String("replica", "", "replica worker push/fetch host:port, optional")
	inFile := flag.String("in", "", "file to push (push mode)")
	outFile := flag.String("out", "", "file to write fetched records to, default stdout (fetch mode)")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	key := registry.ShuffleKey{AppID: *appID, ShuffleID: uint32(*shuffleID)}

	switch *mode {
	case "push":
		err = runPush(ctx, cfg, logger, key, uint32(*partitionID), uint32(*mapID), uint32(*attemptID), *primary, *replica, *inFile)
	case "fetch":
		err = runFetch(ctx, cfg, logger, key, uint32(*partitionID), uint32(*startMap), uint32(*endMap), *attempts, *primary, *replica, *outFile)
	default:
		fmt.Fprintln(os.Stderr, "mode must be push or fetch")
		os.Exit(1)
	}
	if err != nil {
		logger.Error("shuffle-client error", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func clientTLS(cfg *config.ClientConfig) (*tls.Config, error) {
	return pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
}

// staticLocationSource resolves every partition to the one Primary/Replica
// pair given on the command line — a stand-in for the lifecycle manager
// that would normally answer this for a real compute framework.
type staticLocationSource struct {
	pair registry.Pair
}

func (s staticLocationSource) Resolve(ctx context.Context, key registry.ShuffleKey, partitionID uint32) (registry.Pair, error) {
	return s.pair, nil
}

func (s staticLocationSource) Locations(ctx context.Context, key registry.ShuffleKey, partitionID uint32) ([]registry.Pair, error) {
	return []registry.Pair{s.pair}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host:port %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func buildPair(primary, replicaAddr string) (registry.Pair, error) {
	phost, pport, err := splitHostPort(primary)
	if err != nil {
		return registry.Pair{}, err
	}
	pair := registry.Pair{Primary: registry.Location{Host: phost, PushPort: pport, FetchPort: pport, Role: registry.RolePrimary}}
	if replicaAddr != "" {
		rhost, rport, err := splitHostPort(replicaAddr)
		if err != nil {
			return registry.Pair{}, err
		}
		pair.Replica = &registry.Location{Host: rhost, PushPort: rport, FetchPort: rport, Role: registry.RoleReplica}
	}
	return pair, nil
}

func runPush(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger, key registry.ShuffleKey, partitionID, mapID, attemptID uint32, primary, replicaAddr, inFile string) error {
	if primary == "" {
		return fmt.Errorf("-primary is required in push mode")
	}
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return err
	}
	pair, err := buildPair(primary, replicaAddr)
	if err != nil {
		return err
	}

	var connMu sync.Mutex
	conns := make(map[string]*transport.PushConn)
	dial := func(host string, port int) (pusher.Client, error) {
		addr := fmt.Sprintf("%s:%d", host, port)
		connMu.Lock()
		defer connMu.Unlock()
		if c, ok := conns[addr]; ok {
			return c, nil
		}
		c, err := transport.DialPush(addr, tlsCfg, cfg.Pusher.PushTimeout)
		if err != nil {
			return nil, err
		}
		conns[addr] = c
		return c, nil
	}
	defer func() {
		connMu.Lock()
		defer connMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	codec := codecFor(cfg.Pusher.Codec)
	p := pusher.New(pusher.Config{
		QueueCapacity:        cfg.Pusher.QueueCapacity,
		MaxInFlightPerWorker: cfg.Pusher.MaxInFlightPerWorker,
		PushTimeout:          cfg.Pusher.PushTimeout,
		MaxRetries:           cfg.Pusher.MaxRetries,
		RetryWait:            cfg.Pusher.RetryWait,
		Codec:                codec,
	}, dial, staticLocationSource{pair: pair}, nil, logger)
	p.Start(ctx, cfg.Pusher.MaxInFlightPerWorker)
	defer p.Stop()

	var body []byte
	if inFile != "" {
		data, err := os.ReadFile(inFile)
		if err != nil {
			return fmt.Errorf("reading -in file: %w", err)
		}
		body = data
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		body = data
	}

	compressor, err := pusher.NewCompressor()
	if err != nil {
		return fmt.Errorf("building compressor: %w", err)
	}

	// One batch per batch_size slice of the input, each compressed on
	// its own, followed by the commit-metadata batch whose digest the
	// reader verifies delivery against.
	acc := commitmeta.NewAccumulator()
	batchSize := int(cfg.Pusher.BatchSizeRaw)
	if batchSize <= 0 {
		batchSize = 1 << 20
	}
	var batchID uint32
	for off := 0; off < len(body) || (off == 0 && len(body) == 0); off += batchSize {
		end := off + batchSize
		if end > len(body) {
			end = len(body)
		}
		record := body[off:end]
		acc.Write(record)

		compressed, err := compressor.Compress(codec, record)
		if err != nil {
			return fmt.Errorf("compressing batch %d: %w", batchID, err)
		}
		if err := p.AddTask(ctx, key, partitionID, mapID, attemptID, batchID, compressed, nil); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		batchID++
		if len(body) == 0 {
			break
		}
	}

	metaPayload, err := compressor.Compress(codec, commitmeta.Encode(acc.Metadata()))
	if err != nil {
		return fmt.Errorf("compressing commit metadata: %w", err)
	}
	if err := p.AddTask(ctx, key, partitionID, mapID, attemptID, wire.MetadataBatchID, metaPayload, nil); err != nil {
		return fmt.Errorf("add commit metadata task: %w", err)
	}

	if err := p.WaitOnTermination(ctx); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	meta := acc.Metadata()
	logger.Info("push succeeded", "bytes", meta.Bytes, "batches", batchID, "crc32c", meta.CRC32C)
	return nil
}

// codecFor maps a config codec name to its wire byte. Validation already
// rejected anything else.
func codecFor(name string) wire.CompressionCode {
	switch name {
	case "gzip":
		return wire.CompressionGzip
	case "zstd":
		return wire.CompressionZstd
	default:
		return wire.CompressionNone
	}
}

// parseAttempts builds the fetch attempt table: every map in
// [startMap, endMap) defaults to attempt 0, overridden by "map:attempt"
// entries from the -attempts flag.
func parseAttempts(spec string, startMap, endMap uint32) (inputstream.AttemptTable, error) {
	table := make(inputstream.AttemptTable, endMap-startMap)
	for m := startMap; m < endMap; m++ {
		table[m] = 0
	}
	if spec == "" {
		return table, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid -attempts entry %q, want map:attempt", entry)
		}
		m, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid map id in -attempts entry %q: %w", entry, err)
		}
		a, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid attempt in -attempts entry %q: %w", entry, err)
		}
		table[uint32(m)] = uint32(a)
	}
	return table, nil
}

func runFetch(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger, key registry.ShuffleKey, partitionID, startMap, endMap uint32, attemptSpec, primary, replicaAddr, outFile string) error {
	if primary == "" {
		return fmt.Errorf("-primary is required in fetch mode")
	}
	if endMap <= startMap {
		return fmt.Errorf("-end-map (%d) must be greater than -start-map (%d)", endMap, startMap)
	}
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return err
	}
	pair, err := buildPair(primary, replicaAddr)
	if err != nil {
		return err
	}
	attempts, err := parseAttempts(attemptSpec, startMap, endMap)
	if err != nil {
		return err
	}

	dial := func(loc registry.Location) (inputstream.FetchClient, error) {
		return transport.DialFetch(fmt.Sprintf("%s:%d", loc.Host, loc.FetchPort), tlsCfg, cfg.Pusher.PushTimeout)
	}

	decompressor, err := inputstream.NewDecompressor()
	if err != nil {
		return fmt.Errorf("building decompressor: %w", err)
	}

	reader := inputstream.New(inputstream.Config{
		StartMap:         startMap,
		EndMap:           endMap,
		InitialCredit:    uint32(cfg.InputStream.InitialCredit),
		FetchMaxRetry:    cfg.InputStream.FetchMaxRetry,
		RetryWait:        cfg.InputStream.RetryWait,
		IntegrityEnabled: cfg.InputStream.IntegrityEnabled,
		Codec:            codecFor(cfg.InputStream.Codec),
	}, staticLocationSource{pair: pair}, dial, decompressor, logger)

	out := os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return fmt.Errorf("creating -out file: %w", err)
		}
		defer f.Close()
		out = f
	}

	stats, err := reader.Fetch(ctx, key, partitionID, attempts, func(mapID uint32, record []byte) {
		out.Write(record)
	})
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	logger.Info("fetch complete", "bytes", stats.BytesDelivered, "batches", stats.BatchesDelivered, "deduped", stats.BatchesDeduped)
	return nil
}
