package pipeline

import "errors"

// Taxonomía de errores del pipeline. Los adapters envuelven sus errores
// con estos sentinelas para que el orquestador decida reintento o parada.
var (
	// ErrMalformedEvent indica un evento que no pasa la validación del
	// modelo. La transacción que lo contiene no se aplica ni se confirma.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrSourceUnavailable indica una falla transitoria del source. El
	// orquestador reintenta con backoff desde la última posición retenida.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSinkWriteFailed indica una falla de escritura en el sink. Se
	// reintenta el mismo lote hasta el límite configurado y luego el sink
	// queda detenido.
	ErrSinkWriteFailed = errors.New("sink write failed")

	// ErrCheckpointCorrupt indica un checkpoint ilegible. Fatal: el
	// orquestador nunca adivina una posición de reanudación.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrSinkStalled indica que un sink agotó sus reintentos.
	ErrSinkStalled = errors.New("sink stalled")
)
