package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/kafka"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

// KafkaSink publica filas y eventos como JSON, un topic por tabla. La
// entrega se confirma de forma síncrona por transacción antes de persistir
// el checkpoint en un archivo local: el broker y el checkpoint no comparten
// transacción, así que el sink es no transaccional y el deduplicador acota
// los duplicados tras una caída entre el produce y el save.
type KafkaSink struct {
	name        string
	topicPrefix string
	producer    *kafka.ProducerService
	admin       *kafka.AdminService
	checkpoint  *CheckpointFile
	logger      observability.Logger
	mu          sync.Mutex
	cp          *Checkpoint
	ensured     map[string]bool
	partitions  int
	replication int
}

type KafkaSinkOptions struct {
	BootstrapServers  []string
	ClientID          string
	TopicPrefix       string
	StateDir          string
	TopicPartitions   int
	ReplicationFactor int

	// Seguridad del cluster; vacío = PLAINTEXT sin autenticación.
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
}

func NewKafkaSink(name string, opts KafkaSinkOptions,
	logger observability.Logger) (*KafkaSink, error) {

	if len(opts.BootstrapServers) == 0 {
		return nil, fmt.Errorf("bootstrap servers are required")
	}

	if opts.StateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}

	var clientID *string
	if opts.ClientID != "" {
		clientID = &opts.ClientID
	}

	serverConfigs, err := kafka.NewServerConfigs(opts.BootstrapServers, clientID)
	if err != nil {
		return nil, err
	}

	security := kafka.NewSecurityConfig().
		WithProtocol(opts.SecurityProtocol).
		WithSASL(opts.SASLMechanism, opts.SASLUsername, opts.SASLPassword)

	producerCfg, err := kafka.NewProducerCgfWithSvrCfgs(serverConfigs, security)
	if err != nil {
		return nil, fmt.Errorf("build producer config: %w", err)
	}

	producer, err := kafka.NewProducerService(producerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create producer service: %w", err)
	}

	adminCfg, err := kafka.NewAdminCgfWithSvrCfgs(serverConfigs, security)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("build admin config: %w", err)
	}

	admin, err := kafka.NewAdminService(adminCfg)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("create admin service: %w", err)
	}

	if opts.TopicPartitions <= 0 {
		opts.TopicPartitions = 1
	}

	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}

	return &KafkaSink{
		name:        name,
		topicPrefix: opts.TopicPrefix,
		producer:    producer,
		admin:       admin,
		checkpoint:  NewCheckpointFile(filepath.Join(opts.StateDir, name+".checkpoint.json")),
		logger:      logger,
		ensured:     make(map[string]bool),
		partitions:  opts.TopicPartitions,
		replication: opts.ReplicationFactor,
	}, nil
}

func (ks *KafkaSink) Name() string {
	return ks.name
}

func (ks *KafkaSink) Transactional() bool {
	return false
}

func (ks *KafkaSink) topicFor(table string) string {
	return ks.topicPrefix + strings.ReplaceAll(table, ".", "_")
}

func (ks *KafkaSink) ensureTopic(ctx context.Context, topic string) error {
	if ks.ensured[topic] {
		return nil
	}

	err := ks.admin.EnsureTopics(ctx, []*kafka.Topic{
		kafka.NewTopic(topic, ks.partitions, ks.replication),
	})

	if err != nil {
		return err
	}

	ks.ensured[topic] = true

	return nil
}

func (ks *KafkaSink) ReadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	cp, err := ks.checkpoint.Load()

	if err != nil {
		return nil, err
	}

	ks.cp = cp

	return cp.Clone(), nil
}

func (ks *KafkaSink) ensureCheckpoint() error {
	if ks.cp != nil {
		return nil
	}

	cp, err := ks.checkpoint.Load()
	if err != nil {
		return err
	}

	ks.cp = cp
	return nil
}

func (ks *KafkaSink) ApplyRows(ctx context.Context, table string,
	rows []RowSnapshot, cursor TableCursor) error {

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.ensureCheckpoint(); err != nil {
		return err
	}

	topic := ks.topicFor(table)

	if err := ks.ensureTopic(ctx, topic); err != nil {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}

	messages := make([][]byte, 0, len(rows))

	for i := range rows {
		jsonData, err := json.Marshal(&rows[i])
		if err != nil {
			return fmt.Errorf("serialize row: %w", err)
		}
		messages = append(messages, jsonData)
	}

	if err := ks.producer.ProduceBatchSync(ctx, topic, messages); err != nil {
		return fmt.Errorf("produce backfill batch to %s: %w", topic, err)
	}

	ks.cp.SetTableCursor(table, cursor)

	return ks.checkpoint.Save(ks.cp)
}

func (ks *KafkaSink) ApplyTransaction(ctx context.Context, txn *Transaction) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.ensureCheckpoint(); err != nil {
		return err
	}

	// Agrupar por tabla preservando el orden de secuencia dentro de cada
	// topic.
	byTable := make(map[string][][]byte)
	order := []string{}

	for i := range txn.Events {
		event := &txn.Events[i]

		jsonData, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("serialize event: %w", err)
		}

		if _, seen := byTable[event.Table]; !seen {
			order = append(order, event.Table)
		}

		byTable[event.Table] = append(byTable[event.Table], jsonData)
	}

	for _, table := range order {
		topic := ks.topicFor(table)

		if err := ks.ensureTopic(ctx, topic); err != nil {
			return fmt.Errorf("ensure topic %s: %w", topic, err)
		}

		if err := ks.producer.ProduceBatchSync(ctx, topic, byTable[table]); err != nil {
			return fmt.Errorf("produce transaction to %s: %w", topic, err)
		}
	}

	ks.cp.LastApplied = txn.Commit

	return ks.checkpoint.Save(ks.cp)
}

func (ks *KafkaSink) Close() error {
	if ks.producer != nil {
		ks.producer.Close()
	}
	if ks.admin != nil {
		ks.admin.Close()
	}
	return nil
}
