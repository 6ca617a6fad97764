package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quorumrelay/quorumproxy"
)

func main() {
	var (
		configPath    = flag.String("config", "config.toml", "path to config.toml")
		upstreamsPath = flag.String("upstreams", "upstreams.yaml", "path to upstreams.yaml")
	)
	flag.Parse()

	logger := gethlog.New()
	logger.SetHandler(gethlog.StreamHandler(os.Stderr, gethlog.TerminalFormat(false)))

	cfg, err := quorumproxy.LoadConfig(*configPath)
	if err != nil {
		logger.Crit("loading config", "err", err)
	}
	upstreamCfgs, err := quorumproxy.LoadUpstreams(*upstreamsPath)
	if err != nil {
		logger.Crit("loading upstreams", "err", err)
	}

	clock := quorumproxy.RealClock{}

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Crit("parsing redis_url", "err", err)
		}
		redisClient = goredis.NewClient(opts)
	}

	backends := make([]*quorumproxy.Backend, 0, len(upstreamCfgs))
	softLimits := make(map[string]uint32, len(upstreamCfgs))
	for _, uc := range upstreamCfgs {
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rpcClient, err := ethrpc.DialContext(dialCtx, uc.URL)
		cancel()
		if err != nil {
			logger.Crit("dialing upstream", "name", uc.Name, "url", uc.URL, "err", err)
		}

		local := quorumproxy.NewLimiter(uc.HardLimit, clock)
		var limiter interface {
			TryAcquire() (bool, *quorumproxy.NotUntil)
		} = local
		if redisClient != nil {
			limiter = quorumproxy.NewDistributedLimiter(local, redisClient, uc.Name, logger)
		}

		b := quorumproxy.NewBackend(uc.Name, uc.URL, uc.SoftLimit, limiter, rpcClient, logger)
		backends = append(backends, b)
		softLimits[uc.Name] = uc.SoftLimit
	}

	group := quorumproxy.NewBackendGroup(logger, backends, cfg.AllowedLag, rand.New(rand.NewSource(time.Now().UnixNano())))

	var headNum int64
	graph := quorumproxy.NewBlockGraph(logger, cfg.RetentionBlocks, group, func() uint64 {
		return uint64(atomic.LoadInt64(&headNum))
	})

	reg := prometheus.NewRegistry()
	metrics := quorumproxy.NewMetrics(reg)

	tracker := quorumproxy.NewConsensusTracker(logger, graph, softLimits, cfg.MinSumSoftLimit, cfg.MinSyncedRPCs, metrics)

	store, err := quorumproxy.OpenLevelDBStore(cfg.StorePath)
	if err != nil {
		logger.Crit("opening stat store", "err", err)
	}
	defer store.Close()

	aggregator := quorumproxy.NewAggregator(logger, cfg.ChainID, time.Duration(cfg.PeriodSeconds)*3*time.Second, store, metrics, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan quorumproxy.HeadEvent, 64)
	go tracker.Run(ctx, events)
	go aggregator.Run(ctx)
	go pollHeads(ctx, backends, events, &headNum, logger)
	go refreshSyncedLoop(ctx, group)

	srv := quorumproxy.NewServer(logger, group, aggregator, metrics, clock, cfg.PeriodSeconds)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "err", err)
		}
	}()
	logger.Info("quorumproxy listening", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	aggregator.Shutdown()
}

// pollHeads periodically queries each upstream's current head block and
// feeds a HeadEvent into the consensus tracker. Polling (rather than a
// push-based subscription) keeps the front door's own /ws path free for
// clients.
func pollHeads(ctx context.Context, backends []*quorumproxy.Backend, events chan<- quorumproxy.HeadEvent, headNum *int64, logger gethlog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range backends {
				block, err := fetchHead(ctx, b)
				if err != nil {
					logger.Debug("head poll failed", "upstream", b.Name, "err", err)
					events <- quorumproxy.HeadEvent{Source: b.Name}
					continue
				}
				if block.Number > uint64(atomic.LoadInt64(headNum)) {
					atomic.StoreInt64(headNum, int64(block.Number))
				}
				events <- quorumproxy.HeadEvent{Block: block, Source: b.Name}
			}
		}
	}
}

func refreshSyncedLoop(ctx context.Context, group *quorumproxy.BackendGroup) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			group.RefreshSynced(ctx)
		}
	}
}

func fetchHead(ctx context.Context, b *quorumproxy.Backend) (*quorumproxy.Block, error) {
	raw, err := b.Request(ctx, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return nil, err
	}
	return quorumproxy.DecodeBlockHeader(raw)
}
