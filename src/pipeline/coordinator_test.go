package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckCoordinatorFloorIsMinimum(t *testing.T) {
	t.Parallel()

	coordinator := NewAckCoordinator(&nopLogger{})

	assert.Equal(t, StreamPosition(0), coordinator.Floor())
	assert.False(t, coordinator.HasRegisteredSinks())

	coordinator.Seed("kafka", 10)
	coordinator.Seed("postgres", 25)

	assert.True(t, coordinator.HasRegisteredSinks())
	assert.Equal(t, StreamPosition(10), coordinator.Floor())

	coordinator.Report("kafka", 30)
	assert.Equal(t, StreamPosition(25), coordinator.Floor())

	coordinator.Report("postgres", 40)
	assert.Equal(t, StreamPosition(30), coordinator.Floor())
}

func TestAckCoordinatorReportIsMonotonic(t *testing.T) {
	t.Parallel()

	coordinator := NewAckCoordinator(&nopLogger{})

	coordinator.Seed("file", 20)
	coordinator.Report("file", 15)

	assert.Equal(t, StreamPosition(20), coordinator.PositionOf("file"))

	coordinator.Report("file", 22)
	assert.Equal(t, StreamPosition(22), coordinator.PositionOf("file"))
}

func TestAckCoordinatorRegisterKeepsExistingPosition(t *testing.T) {
	t.Parallel()

	coordinator := NewAckCoordinator(&nopLogger{})

	coordinator.Seed("kafka", 12)
	coordinator.Register("kafka")

	assert.Equal(t, StreamPosition(12), coordinator.PositionOf("kafka"))

	coordinator.Register("nuevo")
	assert.Equal(t, StreamPosition(0), coordinator.Floor())
}
