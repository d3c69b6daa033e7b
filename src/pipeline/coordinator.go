package pipeline

import (
	"sync"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
)

// AckCoordinator es el coordinador de posiciones aplicadas por sink. El piso
// global (el mínimo entre todos los sinks registrados) es la única posición
// que se confirma al source: confirmar más allá del sink más lento haría
// imposible su recuperación.
type AckCoordinator struct {
	mu        sync.RWMutex
	positions map[string]StreamPosition
	observability.Logger
}

// NewAckCoordinator crea un nuevo AckCoordinator
func NewAckCoordinator(logger observability.Logger) *AckCoordinator {
	return &AckCoordinator{
		mu:        sync.RWMutex{},
		positions: make(map[string]StreamPosition),
		Logger:    logger,
	}
}

func (ac *AckCoordinator) HasRegisteredSinks() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return len(ac.positions) > 0
}

// Register registra un sink con posición inicial cero si no existía.
func (ac *AckCoordinator) Register(sinkName string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if _, ok := ac.positions[sinkName]; ok {
		return
	}

	ac.positions[sinkName] = StreamPosition(0)
}

// Seed fija la posición inicial de un sink desde su checkpoint.
func (ac *AckCoordinator) Seed(sinkName string, pos StreamPosition) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	ac.positions[sinkName] = pos
}

// Report avanza la posición aplicada de un sink. Reportes con posiciones
// viejas no la retroceden.
func (ac *AckCoordinator) Report(sinkName string, pos StreamPosition) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	current, exists := ac.positions[sinkName]

	if !exists || pos.Compare(current) > 0 {
		ac.positions[sinkName] = pos
	}
}

// Floor retorna el mínimo entre todos los sinks registrados, 0 si no hay
// ninguno. Un sink que todavía no aplicó nada mantiene el piso en su
// posición sembrada.
func (ac *AckCoordinator) Floor() StreamPosition {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	if len(ac.positions) == 0 {
		return StreamPosition(0)
	}

	first := true
	minPos := StreamPosition(0)

	for _, pos := range ac.positions {
		if first || pos.Compare(minPos) < 0 {
			minPos = pos
			first = false
		}
	}

	return minPos
}

// PositionOf retorna la posición reportada por un sink.
func (ac *AckCoordinator) PositionOf(sinkName string) StreamPosition {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.positions[sinkName]
}
