// internal/alerts/sink.go
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/IBM/sarama"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// Sink é o serviço externo de notificação. Enqueue só volta nil quando o
// evento foi aceito (ack).
type Sink interface {
	Enqueue(ctx context.Context, ev core.AlertEvent) error
	Close() error
}

// Publisher é o que a MQTTSink precisa do cliente MQTT.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSink publica em <base>/<cameraId>/alerts.
type MQTTSink struct {
	pub  Publisher
	base string
	qos  byte
}

func NewMQTTSink(pub Publisher, base string) *MQTTSink {
	return &MQTTSink{pub: pub, base: strings.TrimRight(base, "/"), qos: 1}
}

func (s *MQTTSink) Topic(cameraID string) string {
	return fmt.Sprintf("%s/%s/alerts", s.base, cameraID)
}

func (s *MQTTSink) Enqueue(ctx context.Context, ev core.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.pub.Publish(s.Topic(ev.CameraID), s.qos, false, payload); err != nil {
		return fmt.Errorf("%w: mqtt publish: %v", core.ErrAlertDelivery, err)
	}
	return nil
}

func (s *MQTTSink) Close() error { return nil }

// KafkaSink produz cada alerta num tópico Kafka, chaveado pela câmera.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, topic), nil
}

func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Enqueue(ctx context.Context, ev core.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.CameraID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("rule_id"), Value: []byte(ev.RuleID)},
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
		},
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: kafka: %v", core.ErrAlertDelivery, err)
	}
	log.Printf("[alerts] alerta %s enviado ao kafka topic=%s partition=%d offset=%d", ev.ID, s.topic, partition, offset)
	return nil
}

func (s *KafkaSink) Close() error { return s.producer.Close() }

// LogSink só escreve no log; serve de padrão quando nada foi configurado.
type LogSink struct{}

func (LogSink) Enqueue(ctx context.Context, ev core.AlertEvent) error {
	log.Printf("[alerts] ALERTA %s regra=%s câmera=%s modelo=%s seq=%d detecções=%d snapshot=%s",
		ev.ID, ev.RuleID, ev.CameraID, ev.ModelID, ev.Seq, len(ev.Detections), ev.SnapshotURL)
	return nil
}

func (LogSink) Close() error { return nil }

// Fanout entrega para todas as sinks; falha se alguma falhar.
type Fanout []Sink

func (f Fanout) Enqueue(ctx context.Context, ev core.AlertEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Enqueue(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
