package kafka

import (
	"encoding/json"

	"PPIM/logger"
	chatmodel "PPIM/module/chat/model"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Exporter mirrors every persisted message onto a kafka topic for
// downstream consumers (search indexing, analytics, archival). Async and
// best-effort: the live delivery path never waits on the broker.
type Exporter struct {
	prod  sarama.AsyncProducer
	topic string
}

func NewExporter(brokers []string, topic string) (*Exporter, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	e := &Exporter{prod: prod, topic: topic}
	go func() {
		for perr := range prod.Errors() {
			logger.Warn("message export failed",
				zap.String("topic", perr.Msg.Topic), zap.Error(perr.Err))
		}
	}()
	return e, nil
}

// ExportPersisted keys records by conversation so per-conversation order
// survives partitioning.
func (e *Exporter) ExportPersisted(m *chatmodel.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	e.prod.Input() <- &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(m.TenantID + ":" + m.ConversationID),
		Value: sarama.ByteEncoder(b),
	}
}

func (e *Exporter) Close() error { return e.prod.Close() }
