package storage

import (
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"ChatGateway/logger"
	"ChatGateway/tools/safe"
)

// Archive streams persisted chat messages to a Kafka topic so downstream
// consumers (notification fan-out, search indexing) never touch the gateway.
// Fire-and-forget: a broken archive never blocks or fails a chat message.
type Archive struct {
	producer sarama.AsyncProducer
	topic    string
}

func NewArchive(brokers []string, topic string) (*Archive, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create archive producer")
	}
	a := &Archive{producer: producer, topic: topic}

	safe.Go("archive-errors", func() {
		for perr := range producer.Errors() {
			logger.Warnf("[Archive] produce failed topic=%s: %v", perr.Msg.Topic, perr.Err)
		}
	})
	return a, nil
}

// Publish enqueues one message record, keyed by conversation so per-group
// order survives partitioning.
func (a *Archive) Publish(m *Message) {
	if a == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		logger.Warnf("[Archive] marshal message id=%s: %v", m.ID, err)
		return
	}
	a.producer.Input() <- &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(m.ConversationID),
		Value: sarama.ByteEncoder(raw),
	}
}

func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	return a.producer.Close()
}
