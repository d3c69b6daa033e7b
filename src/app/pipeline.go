package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/config"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/postgres"
	"github.com/SOLUCIONESSYCOM/scribe"
)

// Pipeline arma el grafo completo desde la configuración: un source Postgres
// y los sinks habilitados, todos colgando del mismo orquestador.
type Pipeline struct {
	logger       observability.Logger
	source       *postgres.PostgresSource
	sinks        []pipeline.Sink
	orchestrator *pipeline.Orchestrator
}

func NewPipeline(ctx context.Context) (*Pipeline, error) {

	logConfig, err := config.LogCfg()
	if err != nil {
		return nil, fmt.Errorf("load log config: %w", err)
	}

	sc, err := scribe.New(logConfig, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create scribe: %w", err)
	}

	logger := observability.NewScribeLogger(sc)

	postgresCfg, err := config.PostgresCfg()
	if err != nil {
		return nil, fmt.Errorf("load postgres config: %w", err)
	}

	pipelineCfg, err := config.PipelineCfg()
	if err != nil {
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}

	sinksCfg, err := config.SinksCfg()
	if err != nil {
		return nil, fmt.Errorf("load sinks config: %w", err)
	}

	source, err := postgres.NewPostgresSource(postgresCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create postgres source: %w", err)
	}

	sinks, err := buildSinks(ctx, sinksCfg, pipelineCfg, logger)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(postgresCfg.Tables))
	for _, table := range postgresCfg.Tables {
		tables = append(tables, postgres.QualifiedName(table))
	}

	opts := pipeline.Options{
		Tables:              tables,
		WorkerBufferSize:    pipelineCfg.WorkerBufferSize,
		BackfillConcurrency: pipelineCfg.BackfillConcurrency,
		AckInterval:         time.Duration(pipelineCfg.AckIntervalSeconds) * time.Second,
		AckEveryN:           pipelineCfg.AckEveryN,
		SinkRetry: pipeline.RetryPolicy{
			MaxAttempts: pipelineCfg.SinkRetryAttempts,
			Backoff:     pipeline.DefaultBackoff(),
		},
		SourceBackoff:     pipeline.DefaultBackoff(),
		SourceMaxAttempts: pipelineCfg.SourceMaxAttempts,
	}

	orchestrator, err := pipeline.NewOrchestrator(source, sinks, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &Pipeline{
		logger:       logger,
		source:       source,
		sinks:        sinks,
		orchestrator: orchestrator,
	}, nil
}

func buildSinks(ctx context.Context, sinksCfg *config.SinksConfig,
	pipelineCfg *config.PipelineConfig,
	logger observability.Logger) ([]pipeline.Sink, error) {

	sinks := []pipeline.Sink{}

	if sinksCfg.Postgres.Enabled {

		sink, err := postgres.NewPostgresSink("postgres",
			config.PostgresSinkCfg(sinksCfg), logger)

		if err != nil {
			return nil, fmt.Errorf("create postgres sink: %w", err)
		}

		sinks = append(sinks, sink)
		logger.Info(ctx, "Usando Postgres sink")
	}

	if sinksCfg.Kafka.Enabled {

		sink, err := pipeline.NewKafkaSink("kafka", pipeline.KafkaSinkOptions{
			BootstrapServers:  sinksCfg.Kafka.BootstrapServers,
			ClientID:          sinksCfg.Kafka.ClientID,
			TopicPrefix:       sinksCfg.Kafka.TopicPrefix,
			StateDir:          pipelineCfg.StateDir,
			TopicPartitions:   sinksCfg.Kafka.TopicPartitions,
			ReplicationFactor: sinksCfg.Kafka.ReplicationFactor,
			SecurityProtocol:  sinksCfg.Kafka.SecurityProtocol,
			SASLMechanism:     sinksCfg.Kafka.SASLMechanism,
			SASLUsername:      sinksCfg.Kafka.SASLUsername,
			SASLPassword:      sinksCfg.Kafka.SASLPassword,
		}, logger)

		if err != nil {
			return nil, fmt.Errorf("create kafka sink: %w", err)
		}

		sinks = append(sinks, sink)
		logger.Info(ctx, "Usando Kafka sink")
	}

	if sinksCfg.File.Enabled {

		sink, err := pipeline.NewFileSink("file", sinksCfg.File.OutputDir, logger)

		if err != nil {
			return nil, fmt.Errorf("create file sink: %w", err)
		}

		sinks = append(sinks, sink)
		logger.Info(ctx, "Usando File sink")
	}

	if len(sinks) == 0 {
		return nil, fmt.Errorf("no sinks enabled in configuration")
	}

	return sinks, nil
}

// State expone la instantánea del orquestador para los endpoints de salud.
func (p *Pipeline) State() pipeline.RunState {
	return p.orchestrator.State()
}

// Start corre el pipeline hasta que el contexto se cancele o el orquestador
// falle de forma fatal. Un panic dentro del ciclo se captura, se loguea con
// stack y se reintenta: el proceso no se cae por una transacción venenosa.
func (p *Pipeline) Start(ctx context.Context) error {

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		panicked, err := p.runOnce(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if panicked {
			p.logger.Error(ctx, "Pipeline detenido por panic, reiniciando", err)
			time.Sleep(5 * time.Second)
			continue
		}

		return err
	}
}

func (p *Pipeline) runOnce(ctx context.Context) (panicked bool, err error) {

	defer func() {
		if r := recover(); r != nil {

			stackTrace := string(debug.Stack())

			p.logger.Error(ctx, "Panic capturado en el pipeline",
				fmt.Errorf("panic: %v", r),
				"panic_value", r,
				"stack_trace", stackTrace)

			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return false, p.orchestrator.Run(ctx)
}

func (p *Pipeline) Close(ctx context.Context) error {

	p.logger.Trace(ctx, "Cerrando pipeline")

	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			p.logger.Warn(ctx, "Error cerrando sink", err, "sink", sink.Name())
		}
	}

	if err := p.source.Close(ctx); err != nil {
		p.logger.Warn(ctx, "Error cerrando source", err)
	}

	p.logger.Trace(ctx, "Pipeline cerrado")
	return nil
}
