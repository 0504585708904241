package evloop

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	KafkaBrokersProp = "event_kafka_brokers"
	KafkaTopicProp   = "event_kafka_topic"
)

type KafkaEventRouter struct {
	ctx      context.Context
	producer *kafka.Writer
}

// NewKafkaEventRouter builds a router from the events section of the
// config; it needs the broker list and topic properties.
func NewKafkaEventRouter(ctx context.Context, conf map[string]interface{}) (*KafkaEventRouter, error) {
	brokers, err := getBrokers(conf)
	if err != nil {
		return nil, err
	}
	topic, err := getTopic(conf)
	if err != nil {
		return nil, err
	}
	return &KafkaEventRouter{
		ctx: ctx,
		producer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Balancer:     &kafka.RoundRobin{},
		},
	}, nil
}

func (kef *KafkaEventRouter) Process(key string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}
	return kef.producer.WriteMessages(kef.ctx, message)
}

func (kef *KafkaEventRouter) Close() error {
	return kef.producer.Close()
}

func getTopic(conf map[string]interface{}) (string, error) {
	if topicValue, ok := conf[KafkaTopicProp]; ok {
		if topic, ok := topicValue.(string); ok && topic != "" {
			return topic, nil
		}
	}
	return "", errors.Errorf("incorrect topic name for event kafka router: %+v", conf)
}

func getBrokers(conf map[string]interface{}) ([]string, error) {
	if brokersValue, ok := conf[KafkaBrokersProp]; ok {
		if brokers, ok := brokersValue.(string); ok && brokers != "" {
			return strings.Split(brokers, ","), nil
		}
	}
	return nil, errors.Errorf("incorrect brokers url for event kafka router: %+v", conf)
}
