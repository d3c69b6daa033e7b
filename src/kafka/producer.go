package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type ProducerConfig struct {
	serverConfigs
	*securityConfig

	acks *ACKS

	lingerMs  int
	batchSize int

	retries           int
	deliveryTimeoutMs int
	messageTimeoutMs  int
}

func NewProducerCgfWithSvrCfgs(serverConfigs *serverConfigs,
	securityConfig *securityConfig) (*ProducerConfig, error) {

	if serverConfigs == nil {
		return nil, errors.New("serverConfigs is required")
	}

	acks := ACKsAll
	p := &ProducerConfig{
		serverConfigs:     *serverConfigs,
		securityConfig:    securityConfig,
		acks:              &acks,
		retries:           1,
		deliveryTimeoutMs: 10000,
		messageTimeoutMs:  10000,
	}

	return p, nil
}

func NewProducerCfg(bootstrapServers []string) (*ProducerConfig, error) {

	serverConfigs, err := NewServerConfigs(bootstrapServers, nil)

	if err != nil {
		return nil, err
	}

	return NewProducerCgfWithSvrCfgs(serverConfigs, nil)
}

func (p *ProducerConfig) WithACKs(acks ACKS) (*ProducerConfig, error) {
	if IsNotValidACKs(acks) {
		return nil, errors.New("invalid acks value")
	}
	p.acks = &acks
	return p, nil
}

func (p *ProducerConfig) WithLingerMs(lingerMs int) *ProducerConfig {
	if lingerMs < 0 {
		return p
	}
	p.lingerMs = lingerMs
	return p
}

func (p *ProducerConfig) WithBatchSize(batchSize int) *ProducerConfig {
	if batchSize <= 0 {
		return p
	}
	p.batchSize = batchSize
	return p
}

func (p *ProducerConfig) WithRetries(retries int) *ProducerConfig {
	if retries < 0 {
		return p
	}
	p.retries = retries
	return p
}

func (p *ProducerConfig) Build() (*kafka.ConfigMap, error) {
	configMap := kafka.ConfigMap{}

	configMap.SetKey("bootstrap.servers", strings.Join(p.bootstrapServers, ","))
	configMap.SetKey("acks", int(*p.acks))
	configMap.SetKey("delivery.timeout.ms", p.deliveryTimeoutMs)
	configMap.SetKey("message.timeout.ms", p.messageTimeoutMs)
	configMap.SetKey("retries", p.retries)
	configMap.SetKey("enable.idempotence", true)

	if p.clientId != nil {
		configMap.SetKey("client.id", *p.clientId)
	}

	if p.lingerMs > 0 {
		configMap.SetKey("linger.ms", p.lingerMs)
	}

	if p.batchSize > 0 {
		configMap.SetKey("batch.size", p.batchSize)
	}

	if p.securityConfig != nil {
		p.securityConfig.Build(&configMap)
	}

	return &configMap, nil
}

type ProducerService struct {
	Config *ProducerConfig
	*kafka.Producer
	logger observability.Logger
}

func NewProducerService(config *ProducerConfig, logger observability.Logger) (*ProducerService, error) {
	p := &ProducerService{
		Config: config,
		logger: logger,
	}

	cfg, err := config.Build()
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		return nil, err
	}

	p.Producer = producer

	return p, nil
}

func (s *ProducerService) Close() {
	if s.Producer != nil {
		s.Producer.Close()
	}
}

// ProduceBatchSync produce un lote de mensajes al mismo topic y espera la
// confirmación de entrega de todos antes de retornar. Un solo mensaje
// fallido falla el lote completo.
func (s *ProducerService) ProduceBatchSync(ctx context.Context,
	topic string, messages [][]byte) error {

	if len(messages) == 0 {
		return nil
	}

	deliveryCh := make(chan kafka.Event, len(messages))

	produced := 0

	for _, message := range messages {

		err := s.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{
				Topic:     &topic,
				Partition: int32(kafka.PartitionAny),
			},
			Value: message,
		}, deliveryCh)

		if err != nil {
			break
		}

		produced++
	}

	var firstErr error

	if produced < len(messages) {
		firstErr = fmt.Errorf("produce to %s: only %d of %d messages enqueued",
			topic, produced, len(messages))
	}

	for i := 0; i < produced; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-deliveryCh:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil && firstErr == nil {
				firstErr = m.TopicPartition.Error
			}
		}
	}

	return firstErr
}

func (s *ProducerService) ProduceMessageByteSync(ctx context.Context,
	topic string, message []byte) error {
	return s.ProduceBatchSync(ctx, topic, [][]byte{message})
}
