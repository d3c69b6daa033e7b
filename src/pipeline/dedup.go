package pipeline

// Decision es el resultado del deduplicador para una transacción completa.
type Decision int

const (
	DecisionApply Decision = iota
	DecisionDiscard
)

// Decide es la función pura de deduplicación: una transacción cuyo commit es
// menor o igual a la última posición aplicada ya está reflejada en el sink y
// se descarta entera. La decisión opera sobre la posición de commit de la
// transacción, nunca sobre un evento suelto, así que una transacción jamás
// se aplica parcialmente.
func Decide(lastApplied StreamPosition, txn *Transaction) Decision {
	if txn.Commit.Compare(lastApplied) <= 0 {
		return DecisionDiscard
	}
	return DecisionApply
}

// Deduplicator filtra transacciones re-entregadas contra el checkpoint de un
// sink. Para sinks no transaccionales se engancha en cada transacción. Para
// sinks transaccionales la duplicación es estructuralmente imposible después
// del primer commit exitoso, así que el filtro se apaga solo: queda como
// filtro de catch-up del arranque.
type Deduplicator struct {
	lastApplied StreamPosition
	catchupOnly bool
	caughtUp    bool
}

// NewDeduplicator crea un deduplicador sembrado con la última posición
// aplicada del checkpoint del sink.
func NewDeduplicator(lastApplied StreamPosition, transactional bool) *Deduplicator {
	return &Deduplicator{
		lastApplied: lastApplied,
		catchupOnly: transactional,
	}
}

// ShouldApply decide si la transacción sobrevive el filtro.
func (d *Deduplicator) ShouldApply(txn *Transaction) bool {
	if d.catchupOnly && d.caughtUp {
		return true
	}
	return Decide(d.lastApplied, txn) == DecisionApply
}

// MarkApplied registra una aplicación durable exitosa. La posición solo
// avanza, nunca retrocede.
func (d *Deduplicator) MarkApplied(pos StreamPosition) {
	if pos.Compare(d.lastApplied) > 0 {
		d.lastApplied = pos
	}
	if d.catchupOnly {
		d.caughtUp = true
	}
}

// LastApplied retorna la posición aplicada que el filtro conoce.
func (d *Deduplicator) LastApplied() StreamPosition {
	return d.lastApplied
}
