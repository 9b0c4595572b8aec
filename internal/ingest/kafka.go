package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Meteo-X/pixiu/internal/monitoring"
)

// KafkaConfig configures the Kafka/Redpanda DataFlow source.
type KafkaConfig struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
}

// KafkaSource consumes the market-data topics through a consumer group
// and feeds each record to the dispatcher.
type KafkaSource struct {
	cfg        KafkaConfig
	dispatcher Dispatcher
	stats      *monitoring.Stats
	logger     zerolog.Logger

	client *kgo.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSource(cfg KafkaConfig, dispatcher Dispatcher, stats *monitoring.Stats, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("consumer group is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		cfg:        cfg,
		dispatcher: dispatcher,
		stats:      stats,
		logger:     logger.With().Str("component", "kafka_ingest").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			s.logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			s.logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	s.client = client
	return s, nil
}

// Start launches the poll loop.
func (s *KafkaSource) Start() error {
	s.wg.Add(1)
	go s.pollLoop()
	s.logger.Info().
		Strs("brokers", s.cfg.Brokers).
		Strs("topics", s.cfg.Topics).
		Str("group", s.cfg.ConsumerGroup).
		Msg("Kafka ingest started")
	return nil
}

func (s *KafkaSource) pollLoop() {
	defer s.wg.Done()

	for {
		fetches := s.client.PollFetches(s.ctx)
		if fetches.IsClientClosed() || s.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Error().
				Str("topic", topic).
				Int32("partition", partition).
				Err(err).
				Msg("Fetch error")
		})
		fetches.EachRecord(func(record *kgo.Record) {
			s.stats.IngestMessage("kafka")
			decoded, err := decodeMessage(record.Value)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("topic", record.Topic).
					Msg("Undecodable upstream record dropped")
				return
			}
			s.dispatcher.Dispatch(decoded)
		})
	}
}

// Stop halts polling and closes the client.
func (s *KafkaSource) Stop() {
	s.cancel()
	s.wg.Wait()
	s.client.Close()
	s.logger.Info().Msg("Kafka ingest stopped")
}
