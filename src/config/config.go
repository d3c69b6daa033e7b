package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/SOLUCIONESSYCOM/configuro"
	"github.com/SOLUCIONESSYCOM/scribe"
)

var cfg *configuro.AppConfig

var poolKeys = []string{"pool_min_conns", "pool_max_conns"}

type postgresConfig struct {
	connectionString  string   `json:"-"` // Campo privado, no se deserializa directamente
	User              string   `json:"User"`
	Password          string   `json:"Password"`
	SlotName          string   `json:"SlotName"`
	Publication       string   `json:"Publication"`
	Tables            []string `json:"Tables"`
	BackfillBatchSize int      `json:"BackfillBatchSize"`
}

type postgresConfigJSON struct {
	ConnectionString  string   `json:"ConnectionString"`
	User              string   `json:"User"`
	Password          string   `json:"Password"`
	SlotName          string   `json:"SlotName"`
	Publication       string   `json:"Publication"`
	Tables            []string `json:"Tables"`
	BackfillBatchSize int      `json:"BackfillBatchSize"`
}

// mergeConnString arma el DSN final inyectando user y password, y filtrando
// las claves de pool que la conexión de replicación no entiende.
func mergeConnString(raw, user, password string, keepPoolKeys bool) string {
	connString := ""

	values := make(map[string]string)

	for _, part := range strings.Split(raw, " ") {
		kv := strings.Split(part, "=")
		if len(kv) == 2 {
			values[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}

	for key, value := range values {
		if keepPoolKeys || !slices.Contains(poolKeys, strings.ToLower(key)) {
			connString += fmt.Sprintf("%s=%s ", key, value)
		}
	}

	connString += fmt.Sprintf("user=%s password=%s", user, password)

	return connString
}

func (c *postgresConfig) ConnectionString() string {
	return mergeConnString(c.connectionString, c.User, c.Password, false)
}

func (c *postgresConfig) ConnectionStringWithPool() string {
	return mergeConnString(c.connectionString, c.User, c.Password, true)
}

type PostgresConfig struct {
	*postgresConfig
	Tables []string `json:"Tables"`
}

type KafkaSinkConfig struct {
	Enabled           bool     `json:"Enabled"`
	BootstrapServers  []string `json:"BootstrapServers"`
	ClientID          string   `json:"ClientID,omitempty"`
	TopicPrefix       string   `json:"TopicPrefix,omitempty"`
	TopicPartitions   int      `json:"TopicPartitions,omitempty"`
	ReplicationFactor int      `json:"ReplicationFactor,omitempty"`
	SecurityProtocol  string   `json:"SecurityProtocol,omitempty"`
	SASLMechanism     string   `json:"SASLMechanism,omitempty"`
	SASLUsername      string   `json:"SASLUsername,omitempty"`
	SASLPassword      string   `json:"SASLPassword,omitempty"`
}

type postgresSinkConfig struct {
	connectionString string `json:"-"`
	Enabled          bool   `json:"Enabled"`
	User             string `json:"User"`
	Password         string `json:"Password"`
}

type postgresSinkConfigJSON struct {
	ConnectionString string `json:"ConnectionString"`
	Enabled          bool   `json:"Enabled"`
	User             string `json:"User"`
	Password         string `json:"Password"`
}

func (c *postgresSinkConfig) ConnectionString() string {
	return mergeConnString(c.connectionString, c.User, c.Password, false)
}

type PostgresSinkConfig struct {
	*postgresSinkConfig
}

type FileSinkConfig struct {
	Enabled   bool   `json:"Enabled"`
	OutputDir string `json:"OutputDir"`
}

type SinksConfig struct {
	Postgres postgresSinkConfigJSON `json:"Postgres,omitempty"`
	Kafka    KafkaSinkConfig        `json:"Kafka,omitempty"`
	File     FileSinkConfig         `json:"File,omitempty"`
}

type PipelineConfig struct {
	StateDir            string `json:"StateDir"`
	WorkerBufferSize    int    `json:"WorkerBufferSize"`
	BackfillConcurrency int    `json:"BackfillConcurrency"`
	AckIntervalSeconds  int    `json:"AckIntervalSeconds"`
	AckEveryN           int    `json:"AckEveryN"`
	SinkRetryAttempts   int    `json:"SinkRetryAttempts"`
	SourceMaxAttempts   int    `json:"SourceMaxAttempts"`
}

type ServerConfig struct {
	HttpPort int `json:"HttpPort"`
}

func loadConfig() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("error al obtener el path del archivo de configuración: %w", err)
	}

	execDir := filepath.Dir(execPath)
	configPath := filepath.Join(execDir, "config.json")

	cfg, err = configuro.NewFromJsonFiles(true, configPath)
	if err != nil {
		return fmt.Errorf("error al cargar el archivo de configuración: %w", err)
	}
	return nil
}

func ensureLoaded() error {
	if cfg == nil || !cfg.IsBeenLoaded() {
		return loadConfig()
	}
	return nil
}

func PostgresCfg() (*PostgresConfig, error) {

	if err := ensureLoaded(); err != nil {
		return nil, err
	}

	postgresConfigJson, err := configuro.GetSection[postgresConfigJSON](cfg, "Postgres")
	if err != nil {
		return nil, fmt.Errorf("error al obtener la configuración de la base de datos: %w", err)
	}

	postgresConfig := &postgresConfig{
		connectionString:  postgresConfigJson.ConnectionString,
		User:              postgresConfigJson.User,
		Password:          postgresConfigJson.Password,
		SlotName:          postgresConfigJson.SlotName,
		Publication:       postgresConfigJson.Publication,
		Tables:            postgresConfigJson.Tables,
		BackfillBatchSize: postgresConfigJson.BackfillBatchSize,
	}

	return &PostgresConfig{postgresConfig: postgresConfig, Tables: postgresConfig.Tables}, nil
}

func SinksCfg() (*SinksConfig, error) {

	if err := ensureLoaded(); err != nil {
		return nil, err
	}

	sinksConfigJson, err := configuro.GetSection[SinksConfig](cfg, "Sinks")
	if err != nil {
		return nil, fmt.Errorf("error al obtener la configuración de los sinks: %w", err)
	}

	return sinksConfigJson, nil
}

func PostgresSinkCfg(sinks *SinksConfig) *PostgresSinkConfig {
	return &PostgresSinkConfig{
		postgresSinkConfig: &postgresSinkConfig{
			connectionString: sinks.Postgres.ConnectionString,
			Enabled:          sinks.Postgres.Enabled,
			User:             sinks.Postgres.User,
			Password:         sinks.Postgres.Password,
		},
	}
}

func PipelineCfg() (*PipelineConfig, error) {

	if err := ensureLoaded(); err != nil {
		return nil, err
	}

	pipelineConfigJson, err := configuro.GetSection[PipelineConfig](cfg, "Pipeline")
	if err != nil {
		return nil, fmt.Errorf("error al obtener la configuración del pipeline: %w", err)
	}

	return pipelineConfigJson, nil
}

func ServerCfg() (*ServerConfig, error) {

	if err := ensureLoaded(); err != nil {
		return nil, err
	}

	serverConfigJson, err := configuro.GetSection[ServerConfig](cfg, "Server")
	if err != nil {
		return nil, fmt.Errorf("error al obtener la configuración del servidor http: %w", err)
	}

	return serverConfigJson, nil
}

func LogCfg() (*scribe.ConfigLogger, error) {

	if err := ensureLoaded(); err != nil {
		return nil, err
	}

	logConfigJson, err := configuro.GetSection[scribe.ConfigLogger](cfg, "Log")
	if err != nil {
		return nil, fmt.Errorf("error al obtener la configuración del logger: %w", err)
	}
	return logConfigJson, nil
}
