package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/jackc/pglogrepl"
)

const UnchangedDataTypeByte = 'u'

type Relation struct {
	Name    string
	Schema  string
	Columns []*pglogrepl.RelationMessageColumn
}

func (r *Relation) QualifiedName() string {
	return r.Schema + "." + r.Name
}

// Decoder traduce los mensajes pgoutput a eventos del pipeline. Los eventos
// DML llevan la posición del begin de su transacción y un número de secuencia
// incremental; los límites begin/commit llevan su propio LSN.
type Decoder struct {
	relations map[uint32]*Relation
	logger    observability.Logger

	txnPosition pipeline.StreamPosition
	txnXid      uint32
	seq         int64
}

func NewDecoder(logger observability.Logger) *Decoder {
	return &Decoder{
		relations: make(map[uint32]*Relation),
		logger:    logger,
	}
}

func (d *Decoder) DecodeColumnByType(dataType uint32, data []byte) (interface{}, error) {

	strValue := string(data)

	switch dataType {
	case 23: // INT4 OID
		return strconv.ParseInt(strValue, 10, 32)
	case 20: // INT8 OID
		return strconv.ParseInt(strValue, 10, 64)
	case 16: // BOOL OID
		return strValue == "t", nil
	case 700: // FLOAT4 OID
		return strconv.ParseFloat(strValue, 32)
	case 701: // FLOAT8 OID
		return strconv.ParseFloat(strValue, 64)
	case 1082: // DATE OID
		return time.Parse("2006-01-02", strValue)
	case 1114: // TIMESTAMP OID
		return time.Parse("2006-01-02 15:04:05", strValue)
	case 1184: // TIMESTAMPTZ OID
		return time.Parse(time.RFC3339, strValue)
	case 25, 1043: // TEXT, VARCHAR OIDs
		return strValue, nil
	default:
		// Por defecto, devolver como string
		return strValue, nil
	}
}

func (d *Decoder) DecodeTuple(tupleColumns []*pglogrepl.TupleDataColumn,
	relColumns []*pglogrepl.RelationMessageColumn) (map[string]interface{}, error) {

	decoded := make(map[string]interface{}, len(tupleColumns))

	for i, colData := range tupleColumns {

		if i >= len(relColumns) {
			return nil, fmt.Errorf("indice de columna %d fuera de rango", i)
		}

		colDef := relColumns[i]

		if len(colData.Data) == 0 {
			decoded[colDef.Name] = nil
			continue
		}

		if colData.Data[0] == UnchangedDataTypeByte {
			decoded[colDef.Name] = "<<unchanged>>"
			continue
		}

		value, err := d.DecodeColumnByType(colDef.DataType, colData.Data)

		if err != nil {

			d.logger.Error(context.Background(), "Error al decodificar columna", err,
				"column_name", colDef.Name,
				"column_data_type", colData.DataType,
				"column_data", string(colData.Data))
			return nil, err
		}

		decoded[colDef.Name] = value
	}

	return decoded, nil
}

func (d *Decoder) relation(relationID uint32) (*Relation, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("%w: relation %d sin RelationMessage previo",
			pipeline.ErrMalformedEvent, relationID)
	}
	return rel, nil
}

// Decode retorna el evento correspondiente al mensaje, o nil cuando el
// mensaje no produce evento (RelationMessage, tipos no soportados). Un error
// marca la transacción en curso como malformada.
func (d *Decoder) Decode(ctx context.Context, logicalMsg pglogrepl.Message,
	consumeTime time.Time) (*pipeline.ChangeEvent, error) {

	switch logicalMsg := logicalMsg.(type) {

	case *pglogrepl.BeginMessage:

		d.logger.Debug(ctx, "BeginMessage",
			"xid", logicalMsg.Xid,
			"time", logicalMsg.CommitTime.Format(time.RFC3339),
			"lsn", logicalMsg.FinalLSN.String())

		d.txnPosition = pipeline.StreamPosition(logicalMsg.FinalLSN)
		d.txnXid = logicalMsg.Xid
		d.seq = 0

		return &pipeline.ChangeEvent{
			Operation:   pipeline.EventTypeBegin,
			Position:    d.txnPosition,
			Xid:         d.txnXid,
			ConsumeTime: consumeTime,
		}, nil

	case *pglogrepl.RelationMessage:
		rel := &Relation{
			Name:    logicalMsg.RelationName,
			Schema:  logicalMsg.Namespace,
			Columns: logicalMsg.Columns,
		}

		d.relations[logicalMsg.RelationID] = rel
		d.logger.Debug(ctx, "RelationMessage",
			"relation_id", logicalMsg.RelationID,
			"schema", rel.Schema,
			"table", rel.Name,
			"columns", len(rel.Columns))

		return nil, nil

	case *pglogrepl.InsertMessage:
		rel, err := d.relation(logicalMsg.RelationID)
		if err != nil {
			return nil, err
		}

		newData, err := d.DecodeTuple(logicalMsg.Tuple.Columns, rel.Columns)
		if err != nil {
			return nil, fmt.Errorf("%w: decode insert en %s: %v",
				pipeline.ErrMalformedEvent, rel.QualifiedName(), err)
		}

		return d.rowEvent(pipeline.EventTypeInsert, rel, consumeTime, nil, newData), nil

	case *pglogrepl.UpdateMessage:
		rel, err := d.relation(logicalMsg.RelationID)
		if err != nil {
			return nil, err
		}

		var oldData, newData map[string]interface{}

		if logicalMsg.OldTuple != nil {
			oldData, err = d.DecodeTuple(logicalMsg.OldTuple.Columns, rel.Columns)
			if err != nil {
				return nil, fmt.Errorf("%w: decode update (old) en %s: %v",
					pipeline.ErrMalformedEvent, rel.QualifiedName(), err)
			}
		}

		if logicalMsg.NewTuple != nil {
			newData, err = d.DecodeTuple(logicalMsg.NewTuple.Columns, rel.Columns)
			if err != nil {
				return nil, fmt.Errorf("%w: decode update (new) en %s: %v",
					pipeline.ErrMalformedEvent, rel.QualifiedName(), err)
			}
		}

		return d.rowEvent(pipeline.EventTypeUpdate, rel, consumeTime, oldData, newData), nil

	case *pglogrepl.DeleteMessage:
		rel, err := d.relation(logicalMsg.RelationID)
		if err != nil {
			return nil, err
		}

		var oldData map[string]interface{}

		if logicalMsg.OldTuple != nil {
			oldData, err = d.DecodeTuple(logicalMsg.OldTuple.Columns, rel.Columns)
			if err != nil {
				return nil, fmt.Errorf("%w: decode delete en %s: %v",
					pipeline.ErrMalformedEvent, rel.QualifiedName(), err)
			}
		}

		return d.rowEvent(pipeline.EventTypeDelete, rel, consumeTime, oldData, nil), nil

	case *pglogrepl.CommitMessage:

		d.logger.Debug(ctx, "CommitMessage",
			"commit_lsn", logicalMsg.CommitLSN.String(),
			"commit_time", logicalMsg.CommitTime.Format(time.RFC3339))

		return &pipeline.ChangeEvent{
			Operation:   pipeline.EventTypeCommit,
			Position:    pipeline.StreamPosition(logicalMsg.CommitLSN),
			Xid:         d.txnXid,
			ConsumeTime: logicalMsg.CommitTime,
		}, nil
	}

	return nil, nil
}

func (d *Decoder) rowEvent(op pipeline.EventType, rel *Relation,
	consumeTime time.Time, oldData, newData map[string]interface{}) *pipeline.ChangeEvent {

	event := &pipeline.ChangeEvent{
		Operation:   op,
		Table:       rel.QualifiedName(),
		Position:    d.txnPosition,
		Xid:         d.txnXid,
		Seq:         d.seq,
		ConsumeTime: consumeTime,
		OldData:     oldData,
		NewData:     newData,
	}

	d.seq++

	return event
}
