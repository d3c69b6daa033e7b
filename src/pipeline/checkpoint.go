package pipeline

// TableCursor es el progreso del backfill de una tabla. El valor cero
// significa "no iniciado". Token es opaco para el orquestador: solo el
// source sabe decodificarlo.
type TableCursor struct {
	Token    string `json:"token,omitempty"`
	Complete bool   `json:"complete"`
}

// Started indica si el backfill de la tabla llegó a persistir algún cursor.
func (c TableCursor) Started() bool {
	return c.Complete || c.Token != ""
}

// Checkpoint es el registro durable de progreso de un sink: la última
// posición aplicada del stream y el cursor de backfill por tabla. Lo
// persiste exclusivamente el sink; el orquestador solo lo lee.
type Checkpoint struct {
	LastApplied StreamPosition         `json:"last_applied"`
	Tables      map[string]TableCursor `json:"tables"`
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		Tables: make(map[string]TableCursor),
	}
}

func (c *Checkpoint) Clone() *Checkpoint {
	clone := &Checkpoint{
		LastApplied: c.LastApplied,
		Tables:      make(map[string]TableCursor, len(c.Tables)),
	}
	for table, cursor := range c.Tables {
		clone.Tables[table] = cursor
	}
	return clone
}

// TableCursorFor retorna el cursor de la tabla, valor cero si nunca inició.
func (c *Checkpoint) TableCursorFor(table string) TableCursor {
	if c.Tables == nil {
		return TableCursor{}
	}
	return c.Tables[table]
}

// SetTableCursor actualiza el cursor de una tabla.
func (c *Checkpoint) SetTableCursor(table string, cursor TableCursor) {
	if c.Tables == nil {
		c.Tables = make(map[string]TableCursor)
	}
	c.Tables[table] = cursor
}

// BackfillComplete indica si todas las tablas dadas completaron su backfill.
func (c *Checkpoint) BackfillComplete(tables []string) bool {
	for _, table := range tables {
		if !c.TableCursorFor(table).Complete {
			return false
		}
	}
	return true
}
