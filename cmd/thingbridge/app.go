package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-thingbridge/pkg/bqstore"
	"github.com/illmade-knight/go-thingbridge/pkg/bridge"
	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/config"
	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/enrichment"
	"github.com/illmade-knight/go-thingbridge/pkg/icestore"
	"github.com/illmade-knight/go-thingbridge/pkg/kafkaconverter"
	"github.com/illmade-knight/go-thingbridge/pkg/message"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-thingbridge/pkg/metrics"
	"github.com/illmade-knight/go-thingbridge/pkg/microservice"
	"github.com/illmade-knight/go-thingbridge/pkg/mqttconverter"
	"github.com/illmade-knight/go-thingbridge/pkg/outbound"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const mqttPublishTimeout = 5 * time.Second

// stage is one step of the shutdown sequence.
type stage struct {
	name string
	stop func(ctx context.Context) error
}

// app holds every component of a running bridge process.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	server   *microservice.BaseServer
	hub      *bridge.Hub

	facade   enrichment.Facade
	presence cache.PresenceCache[string, bridge.Presence]

	pubsubClient    *pubsub.Client
	storageClient   *storage.Client
	bigqueryClient  *bigquery.Client
	firestoreClient *firestore.Client
	pubsubPublisher *messagepipeline.GooglePubsubPublisher
	kafkaPublisher  *kafkaconverter.KafkaPublisher

	// starts run before the bridge clients start, pipelineStarts after.
	starts         []func(ctx context.Context) error
	pipelineStarts []func(ctx context.Context) error
	// Shutdown stops the inbound pipelines, the bridge clients and the sinks
	// in order, then runs the closers in reverse.
	pipelines []stage
	sinks     []stage
	closers   []stage
}

// newApp assembles the process from the configuration. Nothing is started
// and no message flows until Start.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		metrics:  metrics.New(cfg.MetricsNamespace),
		server:   microservice.NewBaseServer(logger, cfg.Service.HTTPPort),
		hub:      bridge.NewHub(logger),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := a.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}
	if err := a.metrics.Register(a.registry); err != nil {
		return nil, fmt.Errorf("failed to register bridge metrics: %w", err)
	}
	a.server.HandleMetrics(a.registry)

	if err := a.initGoogleClients(ctx); err != nil {
		return nil, err
	}
	if err := a.initFacade(ctx); err != nil {
		return nil, err
	}
	if err := a.initPresence(ctx); err != nil {
		return nil, err
	}
	for _, conn := range cfg.Connections {
		if err := a.addConnection(ctx, conn); err != nil {
			return nil, fmt.Errorf("connection '%s': %w", conn.ID, err)
		}
	}
	return a, nil
}

func (a *app) clientOptions() []option.ClientOption {
	if a.cfg.Service.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(a.cfg.Service.CredentialsFile)}
}

// initGoogleClients creates the Google Cloud clients the enabled features use.
func (a *app) initGoogleClients(ctx context.Context) error {
	if !a.cfg.NeedsProject() {
		return nil
	}
	projectID := a.cfg.Service.ProjectID
	if projectID == "" {
		return errors.New("a project id is required for the enabled Google Cloud features")
	}
	opts := a.clientOptions()

	needsPubsub := false
	for _, conn := range a.cfg.Connections {
		if conn.Type == config.TypePubSub {
			needsPubsub = true
		}
	}
	if needsPubsub {
		client, err := pubsub.NewClient(ctx, projectID, opts...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.closers = append(a.closers, stage{"pubsub client", func(context.Context) error { return client.Close() }})

		publisher, err := messagepipeline.NewGooglePubsubPublisher(&a.cfg.PubSub.Publisher, client, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create pubsub publisher: %w", err)
		}
		a.pubsubPublisher = publisher
		a.sinks = append(a.sinks, stage{"pubsub publisher", publisher.Stop})
	}

	if a.cfg.Archive.Enabled {
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		a.storageClient = client
		a.closers = append(a.closers, stage{"storage client", func(context.Context) error { return client.Close() }})
	}

	if a.cfg.DeliveryLog.Enabled {
		client, err := bqstore.NewProductionBigQueryClient(ctx, a.cfg.DeliveryLog.Dataset.ProjectID, a.cfg.DeliveryLog.Dataset.CredentialsFile, a.logger)
		if err != nil {
			return err
		}
		a.bigqueryClient = client
		a.closers = append(a.closers, stage{"bigquery client", func(context.Context) error { return client.Close() }})
	}

	if a.cfg.Enrichment.Source == config.EnrichmentFirestore || a.cfg.Presence.Backend == config.PresenceFirestore {
		client, err := firestore.NewClient(ctx, projectID, opts...)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.firestoreClient = client
		a.closers = append(a.closers, stage{"firestore client", func(context.Context) error { return client.Close() }})
	}
	return nil
}

// initFacade builds the enrichment facade. Without a source, signals are
// mapped without extra fields.
func (a *app) initFacade(ctx context.Context) error {
	if a.cfg.Enrichment.Source != config.EnrichmentFirestore {
		return nil
	}
	retriever, err := enrichment.NewFirestoreRetriever(&a.cfg.Enrichment.Firestore, a.firestoreClient, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create thing retriever: %w", err)
	}
	a.closers = append(a.closers, stage{"thing retriever", func(context.Context) error { return retriever.Close() }})

	fieldCache, err := cache.New[string, enrichment.Fields](ctx, a.cfg.Enrichment.Cache, a.logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create enrichment cache: %w", err)
	}
	facade := enrichment.NewCachingFacade(enrichment.NewRoundTripFacade(retriever), fieldCache, a.logger)
	a.facade = facade
	a.closers = append(a.closers, stage{"enrichment cache", func(context.Context) error { return facade.Close() }})
	return nil
}

// initPresence builds the store connections record their presence in.
func (a *app) initPresence(ctx context.Context) error {
	var presence cache.PresenceCache[string, bridge.Presence]
	switch a.cfg.Presence.Backend {
	case config.PresenceRedis:
		c, err := cache.NewRedisPresenceCache[string, bridge.Presence](ctx, &a.cfg.Presence.Redis, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create redis presence cache: %w", err)
		}
		presence = c
	case config.PresenceFirestore:
		c, err := cache.NewFirestorePresenceCache[string, bridge.Presence](a.firestoreClient, a.cfg.Presence.Collection)
		if err != nil {
			return fmt.Errorf("failed to create firestore presence cache: %w", err)
		}
		presence = c
	default:
		presence = cache.NewInMemoryPresenceCache[string, bridge.Presence]()
	}
	a.presence = presence
	a.closers = append(a.closers, stage{"presence cache", func(context.Context) error { return presence.Close() }})
	return nil
}

// addConnection assembles the publisher chain, the bridge client and the
// inbound pipelines of one connection.
func (a *app) addConnection(ctx context.Context, conn connection.Connection) error {
	logger := a.logger.With().Str("connection_id", conn.ID).Logger()

	transport, err := a.transportPublisher(conn, logger)
	if err != nil {
		return err
	}
	publishers := outbound.MultiPublisher{transport}

	if a.cfg.Archive.Enabled {
		archive, err := icestore.NewArchive(icestore.ArchiveConfig{
			ConnectionID: conn.ID,
			Uploader:     a.cfg.Archive.Uploader,
			Batcher:      a.cfg.Archive.Batcher,
		}, icestore.NewGCSClientAdapter(a.storageClient), logger)
		if err != nil {
			return fmt.Errorf("failed to create archive: %w", err)
		}
		publishers = append(publishers, archive)
		a.starts = append(a.starts, func(ctx context.Context) error {
			archive.Start(ctx)
			return nil
		})
		a.sinks = append(a.sinks, stage{"archive " + conn.ID, archive.Stop})
	}

	var publisher outbound.Publisher = publishers
	if a.cfg.DeliveryLog.Enabled {
		inserter, err := bqstore.NewBigQueryInserter[bqstore.DeliveryRow](ctx, a.bigqueryClient, &a.cfg.DeliveryLog.Dataset, logger)
		if err != nil {
			return fmt.Errorf("failed to create delivery log inserter: %w", err)
		}
		batchCfg := a.cfg.DeliveryLog.Batch
		batcher := bqstore.NewBatcher[bqstore.DeliveryRow](&batchCfg, inserter, logger)
		deliveryLog, err := bqstore.NewDeliveryLog(conn.ID, batcher, logger)
		if err != nil {
			return err
		}
		publisher = deliveryLog.Wrap(publisher)
		a.starts = append(a.starts, func(ctx context.Context) error {
			batcher.Start(ctx)
			return nil
		})
		a.sinks = append(a.sinks, stage{"delivery log " + conn.ID, batcher.Stop})
	}

	client, err := bridge.New(a.cfg.Bridge, conn, bridge.Dependencies{
		Facade:     a.facade,
		Publisher:  a.metrics.Publisher(conn.ID, publisher),
		Commands:   a.metrics.Forwarder(conn.ID, a.hub.Commands()),
		Connection: a.metrics.Forwarder(conn.ID, a.hub.Connection()),
		Presence:   a.presence,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create bridge client: %w", err)
	}
	a.hub.Add(client)
	a.server.AddConnection(client)

	if len(conn.Sources) == 0 {
		return nil
	}
	return a.addPipelines(conn, client, logger)
}

// transportPublisher returns the publisher of the connection's transport.
func (a *app) transportPublisher(conn connection.Connection, logger zerolog.Logger) (outbound.Publisher, error) {
	switch conn.Type {
	case config.TypeMQTT:
		mqttCfg := a.cfg.MQTT
		mqttCfg.ClientIDPrefix = fmt.Sprintf("%s%s-out-", a.cfg.MQTT.ClientIDPrefix, conn.ID)
		client, err := mqttconverter.NewClient(&mqttCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt publisher client: %w", err)
		}
		a.starts = append(a.starts, func(context.Context) error {
			return connectMQTT(client, mqttCfg.ConnectTimeout)
		})
		a.closers = append(a.closers, stage{"mqtt publisher " + conn.ID, func(context.Context) error {
			client.Disconnect(250)
			return nil
		}})
		a.server.AddReadinessCheck("mqtt:"+conn.ID, func(context.Context) error {
			if !client.IsConnectionOpen() {
				return errors.New("not connected")
			}
			return nil
		})
		return mqttconverter.NewMqttPublisher(client, mqttPublishTimeout, logger)
	case config.TypeKafka:
		if a.kafkaPublisher == nil {
			writer, err := kafkaconverter.NewWriter(&a.cfg.Kafka)
			if err != nil {
				return nil, fmt.Errorf("failed to create kafka writer: %w", err)
			}
			publisher, err := kafkaconverter.NewKafkaPublisher(writer, a.logger)
			if err != nil {
				return nil, err
			}
			a.kafkaPublisher = publisher
			a.closers = append(a.closers, stage{"kafka publisher", func(context.Context) error { return publisher.Close() }})
		}
		return a.kafkaPublisher, nil
	case config.TypePubSub:
		return a.pubsubPublisher, nil
	default:
		return nil, fmt.Errorf("unknown connection type '%s'", conn.Type)
	}
}

// addPipelines creates the consumers of the connection's sources and the
// streaming services that hand their messages to client.
func (a *app) addPipelines(conn connection.Connection, client *bridge.Client, logger zerolog.Logger) error {
	processor := messagepipeline.ExternalProcessor(client.HandleExternal)
	add := func(name string, consumer messagepipeline.MessageConsumer, transformer messagepipeline.MessageTransformer[message.External]) error {
		limited := messagepipeline.WithPayloadLimit(transformer, a.cfg.MaxPayloadSize, logger)
		service, err := messagepipeline.NewStreamingService(a.cfg.Pipeline, consumer, limited, processor, logger)
		if err != nil {
			return fmt.Errorf("failed to create streaming service: %w", err)
		}
		a.pipelineStarts = append(a.pipelineStarts, service.Start)
		a.pipelines = append(a.pipelines, stage{name, service.Stop})
		return nil
	}

	switch conn.Type {
	case config.TypeMQTT:
		mqttCfg := a.cfg.MQTT
		mqttCfg.ClientIDPrefix = fmt.Sprintf("%s%s-in-", a.cfg.MQTT.ClientIDPrefix, conn.ID)
		mqttClient, err := mqttconverter.NewClient(&mqttCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create mqtt consumer client: %w", err)
		}
		subs := mqttconverter.SubscriptionsFor(conn)
		consumer, err := mqttconverter.NewMqttConsumer(mqttClient, mqttconverter.MqttConsumerConfig{
			Subscriptions:  subs,
			BufferSize:     a.cfg.Bridge.QueueSize,
			ConnectTimeout: mqttCfg.ConnectTimeout,
		}, logger)
		if err != nil {
			return err
		}
		return add("mqtt "+conn.ID, consumer, mqttconverter.ToExternalTransformer(subs))
	case config.TypeKafka:
		kafkaCfg := a.cfg.Kafka
		kafkaCfg.Topics = nil
		for _, src := range conn.Sources {
			kafkaCfg.Topics = append(kafkaCfg.Topics, src.Addresses...)
		}
		reader, err := kafkaconverter.NewReader(&kafkaCfg)
		if err != nil {
			return fmt.Errorf("failed to create kafka reader: %w", err)
		}
		consumer, err := kafkaconverter.NewKafkaConsumer(reader, kafkaCfg.BufferSize, logger)
		if err != nil {
			_ = reader.Close()
			return err
		}
		return add("kafka "+conn.ID, consumer, kafkaconverter.ToExternalTransformer(conn))
	case config.TypePubSub:
		for i, src := range conn.Sources {
			for _, subID := range src.Addresses {
				consumerCfg := messagepipeline.NewGooglePubsubConsumerDefaults(subID)
				consumerCfg.ProjectID = a.cfg.Service.ProjectID
				consumerCfg.MaxOutstandingMessages = a.cfg.PubSub.MaxOutstandingMessages
				consumerCfg.NumGoroutines = a.cfg.PubSub.NumGoroutines
				consumer, err := messagepipeline.NewGooglePubsubConsumer(consumerCfg, a.pubsubClient, logger)
				if err != nil {
					return fmt.Errorf("failed to create consumer for subscription '%s': %w", subID, err)
				}
				if err := add("pubsub "+subID, consumer, messagepipeline.ExternalTransformer(i)); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown connection type '%s'", conn.Type)
	}
}

func connectMQTT(client mqtt.Client, timeout time.Duration) error {
	if client.IsConnected() {
		return nil
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out connecting to MQTT broker after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Start starts the sinks, the bridge clients, the inbound pipelines and the
// HTTP server, in that order.
func (a *app) Start(ctx context.Context) error {
	for _, start := range a.starts {
		if err := start(ctx); err != nil {
			return err
		}
	}
	for _, c := range a.hub.Clients() {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start connection '%s': %w", c.ID(), err)
		}
	}
	for _, start := range a.pipelineStarts {
		if err := start(ctx); err != nil {
			return err
		}
	}
	return a.server.Start()
}

// Shutdown stops consuming first, then drains the bridge clients into the
// sinks before closing the clients they write to.
func (a *app) Shutdown(ctx context.Context) error {
	var errs []error
	run := func(stages []stage) {
		for _, s := range stages {
			if err := s.stop(ctx); err != nil {
				a.logger.Error().Err(err).Str("stage", s.name).Msg("Shutdown step failed.")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
		}
	}

	run(a.pipelines)
	for _, c := range a.hub.Clients() {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("connection '%s': %w", c.ID(), err))
		}
	}
	run(a.sinks)
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	a.close(ctx)
	return errors.Join(errs...)
}

// Router returns the router of the HTTP server.
func (a *app) Router() chi.Router { return a.server.Router() }

// GetHTTPPort returns the port the HTTP server listens on.
func (a *app) GetHTTPPort() string { return a.server.GetHTTPPort() }

var _ microservice.Service = (*app)(nil)

// close releases the clients newApp created, most recent first.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		s := a.closers[i]
		if err := s.stop(ctx); err != nil {
			a.logger.Warn().Err(err).Str("stage", s.name).Msg("Failed to release resource.")
		}
	}
}
