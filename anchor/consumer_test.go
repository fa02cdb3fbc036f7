package anchor

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestArchiveRetryDeliveryBudget(t *testing.T) {
	assert.False(t, deliveriesExhausted(&nats.MsgMetadata{NumDelivered: 1}, archivePendingMaxDeliveries))
	assert.False(t, deliveriesExhausted(&nats.MsgMetadata{NumDelivered: archivePendingMaxDeliveries - 1}, archivePendingMaxDeliveries))

	// the final delivery dead-letters so a stuck completed-pending-archive
	// record stays operator-visible
	assert.True(t, deliveriesExhausted(&nats.MsgMetadata{NumDelivered: archivePendingMaxDeliveries}, archivePendingMaxDeliveries))
}

func TestArchiveRetryBudgetWithoutJetstreamMetadata(t *testing.T) {
	assert.False(t, deliveriesExhausted(nil, archivePendingMaxDeliveries))
}
