package cmd

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gocql/gocql"
	"github.com/keygate/keygate/admin"
	"github.com/keygate/keygate/broker"
	"github.com/keygate/keygate/cdc"
	"github.com/keygate/keygate/cdc/scylla"
	"github.com/keygate/keygate/cfg"
	"github.com/keygate/keygate/checkpoint"
	"github.com/keygate/keygate/notify"
	"github.com/keygate/keygate/queue"
	"github.com/keygate/keygate/replicator"
	"github.com/keygate/keygate/search"
	"github.com/keygate/keygate/telemetry"
	"github.com/keygate/keygate/tracing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const lagSampleInterval = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tail change logs, publish domain events and index them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

// pipeline holds everything run starts, in start order
type pipeline struct {
	session     *gocql.Session
	checkpoints *checkpoint.Store
	publisher   broker.Publisher
	registry    *cdc.Registry
	collector   *telemetry.MetricsCollector
	fetcher     queue.Fetcher
	consumer    *queue.Consumer
	admin       *admin.Server
	tracing     tracing.ShutdownFunc
}

func run() error {
	log.Info().Msg("keygate - identity change pipeline")

	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	shutdown := notify.NewShutdown()
	stopSignals := shutdown.TriggerOnSignals(os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Loops observe the shutdown signal themselves so the window or batch in
	// flight completes; their context is not cancelled on shutdown. Broker
	// setup is abandoned when the signal fires first.
	ctx := context.Background()
	setupCtx, cancelSetup := shutdown.Context(ctx)
	defer cancelSetup()

	p := &pipeline{}
	defer p.close()

	var err error
	p.tracing, err = tracing.Init(ctx, cfg.Config.Tracing)
	if err != nil {
		return err
	}

	// The consumer starts first so replicated events can wake it.
	if cfg.Config.Broker.ConsumerEnable {
		if err := p.startConsumer(ctx, setupCtx, shutdown); err != nil {
			if shutdown.Fired() {
				log.Info().Err(err).Msg("Startup interrupted by shutdown")
				return p.stop()
			}
			return err
		}
	}

	if cfg.Config.CDC.Enabled {
		if err := p.startTailers(ctx, shutdown); err != nil {
			return err
		}
	}

	if cfg.Config.Prometheus.Enabled {
		p.startAdmin()
	}

	<-shutdown.Done()
	log.Info().Str("reason", shutdown.Reason()).Msg("Shutting down")
	return p.stop()
}

func (p *pipeline) startTailers(ctx context.Context, shutdown *notify.Shutdown) error {
	var err error
	p.session, err = scylla.NewSession(cfg.Config.Scylla)
	if err != nil {
		return err
	}

	p.checkpoints, err = checkpoint.Open(cfg.Config.DataDir)
	if err != nil {
		return err
	}

	p.publisher, err = broker.NewPublisher(cfg.Config.Broker)
	if err != nil {
		return err
	}

	p.registry, err = cdc.NewRegistry(cdc.RegistryConfig{
		Source:      scylla.NewSource(scylla.NewQuerier(p.session), cfg.Config.Scylla.Keyspace),
		Checkpoints: p.checkpoints,
		Tables:      cfg.Config.CDC.Tables,
		StartFrom:   cfg.Config.CDC.StartFrom,
		Shards:      cfg.Config.CDC.Shards,
		Shutdown:    shutdown,
	})
	if err != nil {
		return err
	}

	publisher := p.publisher
	var onPublished func()
	if p.consumer != nil {
		onPublished = p.consumer.Trigger
	}
	p.registry.RegisterConsumer(cfg.ConsumerReplicator, func(cfg.TableConfiguration) (cdc.ConsumerFactory, error) {
		f, err := replicator.NewFactory(replicator.Config{
			Publisher:   publisher,
			Topic:       cfg.Config.Broker.UserTopic,
			OnPublished: onPublished,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	})
	p.registry.RegisterConsumer(cfg.ConsumerPrinter, printerBuilder)

	if err := p.registry.Start(ctx); err != nil {
		return err
	}

	p.collector = telemetry.NewMetricsCollector(p.registry, lagSampleInterval)
	p.collector.Start()
	return nil
}

func (p *pipeline) startConsumer(ctx, setupCtx context.Context, shutdown *notify.Shutdown) error {
	index, err := search.NewClient(search.Config{
		URL:     cfg.Config.Search.URL,
		APIKey:  cfg.Config.Search.APIKey,
		Index:   cfg.Config.Search.UsersIndex,
		Timeout: time.Duration(cfg.Config.Search.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	p.fetcher, err = newFetcher(setupCtx, cfg.Config.Broker)
	if err != nil {
		return err
	}

	p.consumer, err = queue.NewConsumer(queue.Config{
		Fetcher:      p.fetcher,
		Handlers:     search.UserHandlers(index),
		TickInterval: time.Duration(cfg.Config.Broker.TickIntervalMS) * time.Millisecond,
		Shutdown:     shutdown,
	})
	if err != nil {
		return err
	}

	p.consumer.Start(ctx)
	return nil
}

func (p *pipeline) startAdmin() {
	var tailers admin.TailerStatuses
	if p.registry != nil {
		tailers = p.registry
	}
	var q admin.QueueStatus
	if p.consumer != nil {
		q = p.consumer
	}

	handlers := admin.NewHandlers(cfg.Config.NodeID, tailers, q, telemetry.GetMetricsHandler())
	router := admin.NewRouter(handlers, cfg.Config.Prometheus.Secret)
	p.admin = admin.NewServer(cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port, router)
	p.admin.Start()
}

// stop stops the loops and reports fatal tailer errors
func (p *pipeline) stop() error {
	var err error
	if p.registry != nil {
		p.registry.Stop()
		err = p.registry.Wait()
	}
	if p.consumer != nil {
		p.consumer.Stop()
	}
	if p.collector != nil {
		p.collector.Stop()
	}
	if p.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := p.admin.Stop(ctx); stopErr != nil {
			log.Warn().Err(stopErr).Msg("Admin server shutdown failed")
		}
	}
	return err
}

// close releases clients and stores; safe after a partial start
func (p *pipeline) close() {
	if p.fetcher != nil {
		if err := p.fetcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close queue fetcher")
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close publisher")
		}
	}
	if p.checkpoints != nil {
		if err := p.checkpoints.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close checkpoint store")
		}
	}
	if p.session != nil {
		p.session.Close()
	}
	if p.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.tracing(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}

func newFetcher(ctx context.Context, config cfg.BrokerConfiguration) (queue.Fetcher, error) {
	fetchWait := time.Duration(config.FetchWaitMS) * time.Millisecond

	switch config.Type {
	case "kafka":
		f, err := queue.NewKafkaFetcher(queue.KafkaFetcherConfig{
			Brokers:   config.Brokers,
			Topic:     config.UserTopic,
			GroupID:   config.GroupID,
			BatchSize: config.BatchSize,
			FetchWait: fetchWait,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	case "nats":
		f, err := queue.NewJetStreamFetcher(ctx, queue.JetStreamFetcherConfig{
			URL:       config.NatsURL,
			Topic:     config.UserTopic,
			GroupID:   config.GroupID,
			BatchSize: config.BatchSize,
			FetchWait: fetchWait,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown broker type: %s", config.Type)
}

func printerBuilder(cfg.TableConfiguration) (cdc.ConsumerFactory, error) {
	f, err := cdc.NewPrinterFactory(os.Stdout, cfg.Config.Printer.RedactColumns)
	if err != nil {
		return nil, err
	}
	return f, nil
}
