package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type AdminClientConfig struct {
	serverConfigs
	*securityConfig

	requestTimeoutMs int
	retries          int
	retryBackoffMs   int
	socketTimeoutMs  int
}

func NewAdminCgfWithSvrCfgs(serverConfigs *serverConfigs,
	securityConfig *securityConfig) (*AdminClientConfig, error) {

	if serverConfigs == nil {
		return nil, errors.New("serverConfigs is required")
	}

	a := &AdminClientConfig{
		serverConfigs:    *serverConfigs,
		securityConfig:   securityConfig,
		requestTimeoutMs: 30000,
		retries:          3,
		retryBackoffMs:   100,
		socketTimeoutMs:  60000,
	}

	return a, nil
}

func NewAdminCfg(bootstrapServers []string) (*AdminClientConfig, error) {

	serverConfigs, err := NewServerConfigs(bootstrapServers, nil)

	if err != nil {
		return nil, err
	}

	return NewAdminCgfWithSvrCfgs(serverConfigs, nil)
}

func (a *AdminClientConfig) WithRequestTimeoutMs(timeoutMs int) *AdminClientConfig {
	if timeoutMs > 0 {
		a.requestTimeoutMs = timeoutMs
	}
	return a
}

func (a *AdminClientConfig) WithRetries(retries int) *AdminClientConfig {
	if retries >= 0 {
		a.retries = retries
	}
	return a
}

func (a *AdminClientConfig) Build() (*kafka.ConfigMap, error) {
	configMap := kafka.ConfigMap{}

	configMap.SetKey("bootstrap.servers", strings.Join(a.bootstrapServers, ","))

	configMap.SetKey("request.timeout.ms", a.requestTimeoutMs)
	configMap.SetKey("retries", a.retries)
	configMap.SetKey("retry.backoff.ms", a.retryBackoffMs)
	configMap.SetKey("socket.timeout.ms", a.socketTimeoutMs)

	if a.clientId != nil {
		configMap.SetKey("client.id", *a.clientId)
	}

	if a.securityConfig != nil {
		a.securityConfig.Build(&configMap)
	}

	return &configMap, nil
}

type AdminService struct {
	Config *AdminClientConfig
	*kafka.AdminClient
}

func NewAdminService(config *AdminClientConfig) (*AdminService, error) {
	cfg, err := config.Build()
	if err != nil {
		return nil, err
	}

	client, err := kafka.NewAdminClient(cfg)
	if err != nil {
		return nil, err
	}

	return &AdminService{
		Config:      config,
		AdminClient: client,
	}, nil
}

func (s *AdminService) Close() {
	if s.AdminClient != nil {
		s.AdminClient.Close()
	}
}

// EnsureTopics crea los topics que falten. Un topic ya existente no es error.
func (s *AdminService) EnsureTopics(ctx context.Context, topics []*Topic) error {

	specs := make([]kafka.TopicSpecification, 0, len(topics))

	for _, topic := range topics {
		if err := topic.Validate(); err != nil {
			return err
		}
		specs = append(specs, topic.Build())
	}

	results, err := s.CreateTopics(ctx, specs,
		kafka.SetAdminOperationTimeout(30*time.Second))

	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}

	for _, result := range results {
		code := result.Error.Code()
		if code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: %s", result.Topic, result.Error.String())
		}
	}

	return nil
}
