package events

import (
	"context"
	"encoding/json"
	"strconv"

	"attendance-service/internal/client"
)

// Producer is satisfied by *client.KafkaProducer.
type Producer interface {
	ProduceMessages(ctx context.Context, msgs ...client.Message) error
}

// KafkaSink writes events as JSON keyed by session id.
type KafkaSink struct {
	producer     Producer
	scanTopic    string
	sessionTopic string
}

func NewKafkaSink(producer Producer, scanTopic, sessionTopic string) *KafkaSink {
	return &KafkaSink{producer: producer, scanTopic: scanTopic, sessionTopic: sessionTopic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) PublishScan(ctx context.Context, rec ScanRecord) error {
	return k.produce(ctx, k.scanTopic, rec.SessionID, EventTypeScan, rec.Bucket, rec)
}

func (k *KafkaSink) PublishSessionClosed(ctx context.Context, doc SessionDocument) error {
	return k.produce(ctx, k.sessionTopic, doc.SessionID, EventTypeSessionClosed, doc.Bucket, doc)
}

func (k *KafkaSink) produce(ctx context.Context, topic, sessionID, eventType string, bucket int, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return k.producer.ProduceMessages(ctx, client.Message{
		Topic: topic,
		Key:   []byte(sessionID),
		Value: value,
		Headers: map[string]string{
			"event_type": eventType,
			"bucket":     strconv.Itoa(bucket),
		},
	})
}
