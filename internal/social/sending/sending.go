// Package sending queues outbound federation transactions and hands them
// to the delivery pipeline: a Kafka topic when brokers are configured,
// otherwise the sending map of the database.
package sending

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/cmatc13/homeserver/internal/social/federation"
	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/service"
)

const (
	queueSize    = 1024
	flushTimeout = 15 * time.Second
	sendPath     = "/_matrix/federation/v1/send/"
)

// Transaction is one queued outbound transaction.
type Transaction struct {
	ID          string          `json:"txn_id"`
	Destination string          `json:"destination"`
	URL         string          `json:"url,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Queued      time.Time       `json:"queued"`
}

// Service is the sending queue.
type Service struct {
	service.Basic

	federation service.Dep[federation.Service]
	queue      chan Transaction
	outbox     *database.Map
	producer   *kafka.Producer
	topic      string
	logger     *logging.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// Build creates the sending service. It depends on federation.
func Build(args service.Args) (*Service, error) {
	f, err := service.Depend[federation.Service](args, "federation")
	if err != nil {
		return nil, err
	}

	cfg := args.Server.Config.Kafka
	s := &Service{
		federation: f,
		queue:      make(chan Transaction, queueSize),
		outbox:     args.DB.Map("sending"),
		topic:      cfg.Topic,
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	s.logger = args.Logger.WithField("service", s.Name())

	if cfg.Brokers != "" {
		s.producer, err = kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers": cfg.Brokers,
			"client.id":         args.Server.Name(),
		})
		if err != nil {
			return nil, errors.ServiceWrap(err, errors.OpBuild, errors.ServiceErrBuild, "kafka producer")
		}
	}
	return s, nil
}

// Send queues payload for destination and returns the transaction ID.
func (s *Service) Send(destination string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.NewAPIError(errors.APIErrBadRequest, "payload is not JSON", err)
	}

	txn := Transaction{
		ID:          uuid.NewString(),
		Destination: destination,
		Payload:     raw,
		Queued:      time.Now().UTC(),
	}
	select {
	case s.queue <- txn:
		return txn.ID, nil
	default:
		return "", errors.NewAPIError(errors.APIErrRateLimitExceeded, "sending queue is full", errors.ErrUnavailable)
	}
}

// Worker dispatches queued transactions until interrupted, then drains the
// queue and flushes the producer.
func (s *Service) Worker(ctx context.Context) error {
	if s.producer != nil {
		go s.deliveryReports()
		defer s.closeProducer()
	}

	for {
		select {
		case <-s.Interrupted():
			s.drain(ctx)
			return nil
		case txn := <-s.queue:
			s.dispatch(ctx, txn)
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case txn := <-s.queue:
			s.dispatch(ctx, txn)
		default:
			return
		}
	}
}

func (s *Service) dispatch(ctx context.Context, txn Transaction) {
	log := s.logger.WithFields(map[string]any{"txn_id": txn.ID, "destination": txn.Destination})
	url, _, err := s.federation.Get().URL(ctx, txn.Destination, sendPath+txn.ID)
	if err != nil {
		s.failed.Add(1)
		log.Warn("Dropping transaction", "error", err)
		return
	}
	txn.URL = url

	if err := s.deliver(ctx, txn); err != nil {
		s.failed.Add(1)
		log.Warn("Delivering transaction failed", "error", err)
		return
	}
	s.sent.Add(1)
}

func (s *Service) deliver(ctx context.Context, txn Transaction) error {
	if s.producer == nil {
		return s.outbox.PutJSON(ctx, txn.ID, txn)
	}

	raw, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(txn.Destination),
		Value:          raw,
	}, nil)
}

// deliveryReports logs failed deliveries until the producer is closed.
func (s *Service) deliveryReports() {
	for e := range s.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				s.failed.Add(1)
				s.logger.Warn("Kafka delivery failed", "key", string(ev.Key), "error", ev.TopicPartition.Error)
			}
		case kafka.Error:
			s.logger.Warn("Kafka producer error", "error", ev)
		}
	}
}

func (s *Service) closeProducer() {
	if n := s.producer.Flush(int(flushTimeout.Milliseconds())); n > 0 {
		s.logger.Warn("Unflushed transactions at shutdown", "count", n)
	}
	s.producer.Close()
}

// Outbox returns the transactions recorded in the sending map.
func (s *Service) Outbox(ctx context.Context) ([]Transaction, error) {
	ids, err := s.outbox.Keys(ctx)
	if err != nil {
		return nil, err
	}
	txns := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		var txn Transaction
		if err := s.outbox.GetJSON(ctx, id, &txn); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// MemoryUsage reports queue counters.
func (s *Service) MemoryUsage(w io.Writer) error {
	_, err := fmt.Fprintf(w, "queued: %d\nsent: %d\nfailed: %d\n", len(s.queue), s.sent.Load(), s.failed.Load())
	return err
}
