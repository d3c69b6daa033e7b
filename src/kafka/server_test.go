package kafka

import (
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerConfigAppliesSecurity(t *testing.T) {
	t.Parallel()

	svr, err := NewServerConfigs([]string{"broker-1:9092"}, nil)
	require.NoError(t, err)

	security := NewSecurityConfig().
		WithProtocol("SASL_SSL").
		WithSASL("SCRAM-SHA-512", "cdc", "secreto")

	cfg, err := NewProducerCgfWithSvrCfgs(svr, security)
	require.NoError(t, err)

	configMap, err := cfg.Build()
	require.NoError(t, err)

	protocol, err := configMap.Get("security.protocol", "")
	require.NoError(t, err)
	assert.Equal(t, "SASL_SSL", protocol)

	mechanism, err := configMap.Get("sasl.mechanisms", "")
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA-512", mechanism)

	username, err := configMap.Get("sasl.username", "")
	require.NoError(t, err)
	assert.Equal(t, "cdc", username)

	password, err := configMap.Get("sasl.password", "")
	require.NoError(t, err)
	assert.Equal(t, "secreto", password)
}

func TestSecurityConfigIgnoresIncompleteGroups(t *testing.T) {
	t.Parallel()

	security := NewSecurityConfig().
		WithProtocol("").
		WithSASL("PLAIN", "cdc", "").
		WithSSL("/keystore.jks", "", "", "")

	configMap := kafka.ConfigMap{}
	security.Build(&configMap)

	assert.Empty(t, configMap)
}
