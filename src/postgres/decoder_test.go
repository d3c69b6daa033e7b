package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   1001,
		Namespace:    "public",
		RelationName: "users",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 23},    // int4
			{Name: "email", DataType: 25}, // text
		},
	}
}

func textTuple(values ...string) *pglogrepl.TupleData {
	columns := make([]*pglogrepl.TupleDataColumn, 0, len(values))
	for _, value := range values {
		columns = append(columns, &pglogrepl.TupleDataColumn{
			DataType: pglogrepl.TupleDataTypeText,
			Data:     []byte(value),
		})
	}
	return &pglogrepl.TupleData{Columns: columns}
}

func TestDecoderTransactionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	decoder := NewDecoder(&nopLogger{})
	now := time.Now()

	commitTime := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	begin, err := decoder.Decode(ctx, &pglogrepl.BeginMessage{
		FinalLSN:   pglogrepl.LSN(100),
		CommitTime: commitTime,
		Xid:        77,
	}, now)
	require.NoError(t, err)
	require.NotNil(t, begin)

	assert.Equal(t, pipeline.EventTypeBegin, begin.Operation)
	assert.Equal(t, pipeline.StreamPosition(100), begin.Position)
	assert.Equal(t, uint32(77), begin.Xid)

	// El RelationMessage alimenta el catálogo sin producir evento.
	rel, err := decoder.Decode(ctx, usersRelation(), now)
	require.NoError(t, err)
	assert.Nil(t, rel)

	first, err := decoder.Decode(ctx, &pglogrepl.InsertMessage{
		RelationID: 1001,
		Tuple:      textTuple("1", "ana@example.com"),
	}, now)
	require.NoError(t, err)
	require.NotNil(t, first)

	assert.Equal(t, pipeline.EventTypeInsert, first.Operation)
	assert.Equal(t, "public.users", first.Table)
	assert.Equal(t, pipeline.StreamPosition(100), first.Position)
	assert.Equal(t, uint32(77), first.Xid)
	assert.Equal(t, int64(0), first.Seq)
	assert.Equal(t, int64(1), first.NewData["id"])
	assert.Equal(t, "ana@example.com", first.NewData["email"])

	second, err := decoder.Decode(ctx, &pglogrepl.InsertMessage{
		RelationID: 1001,
		Tuple:      textTuple("2", "bob@example.com"),
	}, now)
	require.NoError(t, err)

	// La secuencia crece dentro de la transacción.
	assert.Equal(t, int64(1), second.Seq)

	commit, err := decoder.Decode(ctx, &pglogrepl.CommitMessage{
		CommitLSN:  pglogrepl.LSN(110),
		CommitTime: commitTime,
	}, now)
	require.NoError(t, err)
	require.NotNil(t, commit)

	assert.Equal(t, pipeline.EventTypeCommit, commit.Operation)
	assert.Equal(t, pipeline.StreamPosition(110), commit.Position)
	assert.Equal(t, uint32(77), commit.Xid)
	assert.Equal(t, commitTime, commit.ConsumeTime)
}

func TestDecoderUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	decoder := NewDecoder(&nopLogger{})
	now := time.Now()

	_, err := decoder.Decode(ctx, &pglogrepl.BeginMessage{
		FinalLSN: pglogrepl.LSN(200), Xid: 5,
	}, now)
	require.NoError(t, err)

	_, err = decoder.Decode(ctx, usersRelation(), now)
	require.NoError(t, err)

	update, err := decoder.Decode(ctx, &pglogrepl.UpdateMessage{
		RelationID: 1001,
		OldTuple:   textTuple("1", "ana@example.com"),
		NewTuple:   textTuple("1", "ana@corp.example.com"),
	}, now)
	require.NoError(t, err)
	require.NotNil(t, update)

	assert.Equal(t, pipeline.EventTypeUpdate, update.Operation)
	assert.Equal(t, "ana@example.com", update.OldData["email"])
	assert.Equal(t, "ana@corp.example.com", update.NewData["email"])

	del, err := decoder.Decode(ctx, &pglogrepl.DeleteMessage{
		RelationID: 1001,
		OldTuple:   textTuple("1", "ana@corp.example.com"),
	}, now)
	require.NoError(t, err)
	require.NotNil(t, del)

	assert.Equal(t, pipeline.EventTypeDelete, del.Operation)
	assert.Equal(t, int64(1), del.OldData["id"])
	assert.Nil(t, del.NewData)
	assert.Equal(t, int64(1), del.Seq)
}

func TestDecoderUnknownRelationIsMalformed(t *testing.T) {
	t.Parallel()

	decoder := NewDecoder(&nopLogger{})

	_, err := decoder.Decode(context.Background(), &pglogrepl.InsertMessage{
		RelationID: 9999,
		Tuple:      textTuple("1"),
	}, time.Now())

	assert.ErrorIs(t, err, pipeline.ErrMalformedEvent)
}

func TestDecoderKeepsUnchangedToastMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	decoder := NewDecoder(&nopLogger{})
	now := time.Now()

	_, err := decoder.Decode(ctx, &pglogrepl.BeginMessage{
		FinalLSN: pglogrepl.LSN(300), Xid: 6,
	}, now)
	require.NoError(t, err)

	_, err = decoder.Decode(ctx, usersRelation(), now)
	require.NoError(t, err)

	update, err := decoder.Decode(ctx, &pglogrepl.UpdateMessage{
		RelationID: 1001,
		NewTuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
			{DataType: pglogrepl.TupleDataTypeToast, Data: []byte("u")},
		}},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "<<unchanged>>", update.NewData["email"])
}
