package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	receiveTimeout     = 10 * time.Second
	statusSendInterval = 5 * time.Second
)

// changeStream implementa pipeline.ChangeStream sobre una conexión de
// replicación. Todo el tráfico de la conexión ocurre dentro de Next: los
// standby status updates se envían desde aquí con la posición confirmada por
// el source, nunca desde otra goroutine.
type changeStream struct {
	source       *PostgresSource
	replConn     *pgconn.PgConn
	decoder      *Decoder
	startLSN     pglogrepl.LSN
	lastSendTime time.Time
	forceStatus  bool
	logger       observability.Logger
}

func newChangeStream(source *PostgresSource, replConn *pgconn.PgConn,
	startLSN pglogrepl.LSN, logger observability.Logger) *changeStream {

	return &changeStream{
		source:   source,
		replConn: replConn,
		decoder:  NewDecoder(logger),
		startLSN: startLSN,
		logger:   logger,
	}
}

// ackLSN es la posición que se reporta al primario: lo último confirmado por
// el orquestador, o la posición de arranque si todavía no hubo confirmación.
func (s *changeStream) ackLSN() pglogrepl.LSN {
	acked := s.source.ackedPosition()
	if acked > 0 {
		return pglogrepl.LSN(acked)
	}
	return s.startLSN
}

func (s *changeStream) sendStatusUpdate(ctx context.Context) {

	currentLSN := s.ackLSN()

	s.logger.Debug(ctx, "Enviando ACK", "lsn", currentLSN.String())

	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.replConn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: currentLSN,
			WALFlushPosition: currentLSN,
			WALApplyPosition: currentLSN,
			ClientTime:       time.Now(),
			ReplyRequested:   false,
		})

	if err != nil {
		s.logger.Warn(ctx, "Error enviando ACK", err,
			"lsn", currentLSN.String())
	} else {
		s.lastSendTime = time.Now()
		s.forceStatus = false
	}
}

func (s *changeStream) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)

	if err != nil {
		return fmt.Errorf("parse keepalive: %w", err)
	}

	s.logger.Debug(ctx, "Keepalive recibido",
		"server_wal_end", pkm.ServerWALEnd.String(),
		"reply_requested", pkm.ReplyRequested)

	if pkm.ReplyRequested {
		s.forceStatus = true
	}

	return nil
}

// Next bloquea hasta el próximo evento decodificado. Un error de decodificación
// se propaga envuelto en ErrMalformedEvent sin cerrar el stream: el llamador
// decide descartar la transacción en curso y seguir leyendo.
func (s *changeStream) Next(ctx context.Context) (*pipeline.ChangeEvent, error) {

	for {

		if s.forceStatus || time.Since(s.lastSendTime) > statusSendInterval {
			s.sendStatusUpdate(ctx)
		}

		consumeTime := time.Now()

		receiveCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		msg, err := s.replConn.ReceiveMessage(receiveCtx)
		cancel()

		if err != nil {

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			return nil, fmt.Errorf("receive message failed: %w", err)
		}

		if msg == nil {
			s.logger.Warn(ctx, "Mensaje recibido es nil", nil)
			continue
		}

		copyData, ok := msg.(*pgproto3.CopyData)

		if !ok {
			s.logger.Warn(ctx, "Mensaje inesperado", nil,
				"type", fmt.Sprintf("%T", msg))
			continue
		}

		switch copyData.Data[0] {

		case pglogrepl.PrimaryKeepaliveMessageByteID:

			if err := s.handleKeepalive(ctx, copyData.Data[1:]); err != nil {
				s.logger.Warn(ctx, "Error procesando keepalive", err)
			}

		case pglogrepl.XLogDataByteID:

			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])

			if err != nil {
				return nil, fmt.Errorf("parse XLogData: %w", err)
			}

			if len(xld.WALData) == 0 {
				continue
			}

			logicalMsg, err := pglogrepl.Parse(xld.WALData)

			if err != nil {
				return nil, fmt.Errorf("%w: parse logical message: %v",
					pipeline.ErrMalformedEvent, err)
			}

			event, err := s.decoder.Decode(ctx, logicalMsg, consumeTime)

			if err != nil {
				return nil, err
			}

			if event == nil {
				continue
			}

			return event, nil

		default:
			s.logger.Warn(ctx, "Mensaje CopyData desconocido", nil,
				"tipo", copyData.Data[0])
		}
	}
}

func (s *changeStream) Close(ctx context.Context) error {
	s.source.streamClosed(s)
	return s.replConn.Close(ctx)
}
