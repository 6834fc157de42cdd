// Package app wires the cqstream process together: worker queues and their
// workers, the router, the acknowledgment coordinator, continuous views,
// statistics and the metrics endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cqstream/cqstream/internal/ack"
	"github.com/cqstream/cqstream/internal/config"
	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/notify"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/query/aggregator"
	"github.com/cqstream/cqstream/internal/queue"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/internal/router"
	"github.com/cqstream/cqstream/internal/server"
	"github.com/cqstream/cqstream/internal/snapshot"
	"github.com/cqstream/cqstream/internal/statsdb"
	"github.com/cqstream/cqstream/internal/storage"
	"github.com/cqstream/cqstream/internal/stream"
	"github.com/cqstream/cqstream/internal/worker"
	"github.com/cqstream/cqstream/pkg/types"
)

const notifyBuffer = 64

// App manages the process lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Shared resources
	metrics  *observability.Metrics
	stats    *observability.Stats
	queues   []*queue.Queue
	router   *router.Router
	coord    *ack.Coordinator
	records  *recordtype.Registry
	catalog  *statsdb.Catalog
	notifier *notify.Notifier
	store    storage.ObjectStore
	shutdown *server.ShutdownManager

	views    []*aggregator.View
	bindings []worker.Binding
	readers  map[string]*stream.ReaderSet

	// Service components
	pool          *worker.Pool
	metricsServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		readers: make(map[string]*stream.ReaderSet),
	}
	for i, vc := range cfg.Views {
		v, err := aggregator.NewView(vc.Name, vc.Descriptor(), vc.GroupBy, vc.Aggregates)
		if err != nil {
			return nil, err
		}
		id := uint32(i + 1)
		a.views = append(a.views, v)
		a.bindings = append(a.bindings, worker.Binding{ID: id, Stream: vc.Stream, View: v})
		a.readerSet(vc.Stream).Add(id, vc.Name)
	}
	return a, nil
}

func (a *App) readerSet(name string) *stream.ReaderSet {
	key := strings.ToLower(name)
	rs, ok := a.readers[key]
	if !ok {
		rs = stream.NewReaderSet()
		a.readers[key] = rs
	}
	return rs
}

// readersOf returns the views reading streamName. A stream nothing reads
// gets an empty set, so its rows are counted and dropped.
func (a *App) readersOf(streamName string) *stream.ReaderSet {
	if rs, ok := a.readers[strings.ToLower(streamName)]; ok {
		return rs
	}
	return stream.NewReaderSet()
}

// Start initializes shared resources and starts the workers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.startWorkers(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start workers: %w", err)
	}

	if a.cfg.Metrics.Addr != "" {
		a.startMetricsServer()
	}

	a.logger.Info("cqstream started",
		"workers", a.cfg.Stream.NumWorkers, "views", len(a.views), "synchronous", a.cfg.Stream.SynchronousInsert)
	return nil
}

// initSharedResources creates the metrics, statistics, queues and router.
func (a *App) initSharedResources(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)

	a.metrics = observability.NewMetrics(prometheus.NewRegistry())
	if err := a.metrics.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	a.stats = observability.NewStats(a.metrics, a.cfg.Stats.Window)

	if a.cfg.Stats.Path != "" {
		catalog, err := statsdb.Open(a.cfg.Stats.Path)
		if err != nil {
			return err
		}
		a.catalog = catalog
		a.logger.Info("stats catalog initialized", "path", a.cfg.Stats.Path)
	}

	store, err := a.openSnapshotStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	a.store = store

	a.queues = make([]*queue.Queue, a.cfg.Stream.NumWorkers)
	for i := range a.queues {
		a.queues[i] = queue.New(i, a.cfg.Stream.QueueCapacityBytes)
	}
	a.router = router.New(a.queues, a.cfg.Stream.BatchSize, router.WithObserver(a.metrics))
	a.coord = ack.NewCoordinator()
	a.records = recordtype.NewRegistry()
	a.notifier = notify.NewNotifier(notifyBuffer)
	return nil
}

// startWorkers starts the worker pool and the stats flusher. Shutdown
// closes them in reverse order: workers drain their queues first, then the
// flusher persists the final statistics.
func (a *App) startWorkers(ctx context.Context) error {
	if a.catalog != nil {
		catalog := a.catalog
		a.shutdown.RegisterCloser("stats catalog", server.CloserFunc(catalog.Close))

		flusher := statsdb.NewFlusher(catalog, a.stats, a.cfg.Stats.FlushInterval, a.logger)
		flushCtx, stopFlusher := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			flusher.Run(flushCtx)
		}()
		a.shutdown.RegisterCloser("stats flusher", server.CloserFunc(func() error {
			stopFlusher()
			<-done
			return nil
		}))
	}

	if a.store != nil {
		a.startSnapshots(ctx)
	}
	a.shutdown.RegisterCloser("notifier", a.notifier)

	a.pool = worker.NewPool(a.queues, a.bindings, a.coord, a.stats, worker.Config{
		BatchSize:              a.cfg.Stream.BatchSize,
		MaxWait:                a.cfg.Worker.MaxWait,
		DisableDescriptorCache: a.cfg.Worker.DisableDescriptorCache,
		Notifier:               a.notifier,
	}, a.logger)
	if err := a.pool.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("workers", server.CloserFunc(func() error {
		for _, q := range a.queues {
			q.Close()
		}
		a.pool.Wait()
		return a.pool.Stop()
	}))
	return nil
}

// openSnapshotStore opens the configured object store, nil when snapshots
// are disabled.
func (a *App) openSnapshotStore(ctx context.Context) (storage.ObjectStore, error) {
	sc := a.cfg.Snapshot
	switch sc.Type {
	case config.SnapshotLocal:
		a.logger.Info("snapshot store initialized", "type", "local", "path", sc.Path)
		return storage.NewLocalStore(sc.Path)
	case config.SnapshotS3:
		a.logger.Info("snapshot store initialized", "type", "s3", "bucket", sc.Bucket)
		return storage.NewS3Store(ctx, sc.Bucket, storage.S3Config{
			Region:       sc.Region,
			Endpoint:     sc.Endpoint,
			UsePathStyle: sc.UsePathStyle,
		})
	default:
		return nil, nil
	}
}

// startSnapshots starts periodic view exports and registers the final export
// run once the workers drained their queues.
func (a *App) startSnapshots(ctx context.Context) {
	exporter := snapshot.NewExporter(a.store, a.cfg.Snapshot.Prefix, a.views, a.stats, a.logger)
	stop := func() {}
	done := make(chan struct{})
	if a.cfg.Snapshot.Interval > 0 {
		exportCtx, cancel := context.WithCancel(ctx)
		stop = cancel
		go func() {
			defer close(done)
			exporter.Run(exportCtx, a.cfg.Snapshot.Interval)
		}()
	} else {
		close(done)
	}
	a.shutdown.RegisterCloser("snapshot exporter", server.CloserFunc(func() error {
		stop()
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return exporter.Export(ctx)
	}))
}

// Snapshots reads back the exported view snapshots.
func (a *App) Snapshots(ctx context.Context) ([]snapshot.ViewSnapshot, error) {
	if a.store == nil {
		return nil, streamerrors.NewConfigError("view snapshots are disabled")
	}
	return snapshot.Load(ctx, a.store, a.cfg.Snapshot.Prefix)
}

// startMetricsServer serves /metrics and /health.
func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/health", a.healthHandler())

	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("metrics server listening", "addr", a.cfg.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
	a.shutdown.RegisterCloser("metrics server", server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.metricsServer.Shutdown(ctx)
	}))
}

// Insert writes rows into streamName. columns describes the rows of a stream
// without a declared schema and is ignored otherwise. It returns once every
// row is queued or, for synchronous inserts, consumed.
func (a *App) Insert(ctx context.Context, streamName string, columns []types.Field, rows []types.Tuple) error {
	if a.shutdown == nil || !a.shutdown.TrackInsert() {
		return streamerrors.NewDeliveryError(streamerrors.CodeQueueClosed, "cqstream is not accepting inserts", nil)
	}
	defer a.shutdown.UntrackInsert()

	ec := stream.ExecContext{ProducerIdentity: a.cfg.Stream.ProducerIdentity}
	in, err := stream.BeginInsert(ec, stream.InsertOptions{
		Stream:            streamName,
		Desc:              a.cfg.StreamDescriptor(streamName),
		Columns:           columns,
		Readers:           a.readersOf(streamName),
		Router:            a.router,
		Coordinator:       a.coord,
		Registry:          a.records,
		Stats:             a.stats,
		Logger:            a.logger,
		Synchronous:       a.cfg.Stream.SynchronousInsert,
		AckTimeout:        a.cfg.Stream.AckTimeout,
		CompressThreshold: a.cfg.Stream.CompressThresholdBytes,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := in.Insert(ctx, row); err != nil {
			if endErr := in.End(ctx); endErr != nil {
				a.logger.Warn("insert end failed after error", "stream", streamName, "error", endErr)
			}
			return err
		}
	}
	return in.End(ctx)
}

// StreamDescriptor returns the declared schema of streamName, nil when the
// stream is inferred.
func (a *App) StreamDescriptor(streamName string) *types.Descriptor {
	return a.cfg.StreamDescriptor(streamName)
}

// View returns the continuous view named name.
func (a *App) View(name string) (*aggregator.View, bool) {
	for _, v := range a.views {
		if strings.EqualFold(v.Name(), name) {
			return v, true
		}
	}
	return nil, false
}

// Views returns every continuous view in configuration order.
func (a *App) Views() []*aggregator.View {
	return a.views
}

// Subscribe returns a subscription to changes of the named views, or of
// every view when none are named. Cancel it with Unsubscribe.
func (a *App) Subscribe(views ...string) *notify.Subscriber {
	return a.notifier.SubscribeAutoID(views...)
}

// Unsubscribe cancels a subscription.
func (a *App) Unsubscribe(sub *notify.Subscriber) {
	a.notifier.Unsubscribe(sub.ID)
}

// Stats returns the in-memory statistics.
func (a *App) Stats() *observability.Stats {
	return a.stats
}

// Catalog returns the statistics catalog, nil when persistence is disabled.
func (a *App) Catalog() *statsdb.Catalog {
	return a.catalog
}

// Metrics returns the Prometheus metrics.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Stop drains in-flight inserts, lets the workers finish their queues and
// releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("initiating graceful shutdown")
	err := a.shutdown.Shutdown(ctx, "stop requested")

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.logger.Info("cqstream stopped")
	return err
}

// cleanup releases shared resources after a failed start.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// healthHandler reports liveness and queue depth.
func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth := 0
		for _, q := range a.queues {
			depth += q.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"cqstream","queued":%d,"pending_batches":%d}`,
			depth, a.coord.Pending())
	}
}
