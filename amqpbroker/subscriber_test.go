package amqpbroker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	assert.Equal(t, 2*time.Second, waitReconnectBackoff(0))
	assert.Equal(t, 4*time.Second, waitReconnectBackoff(1))
	assert.Equal(t, 8*time.Second, waitReconnectBackoff(2))
	assert.Equal(t, 16*time.Second, waitReconnectBackoff(3))
	assert.Equal(t, 30*time.Second, waitReconnectBackoff(4))
	assert.Equal(t, 30*time.Second, waitReconnectBackoff(10))
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "rockbot.inbound", queueName("rockbot", "inbound"))
	assert.Equal(t, "inbound", queueName("", "inbound"))
}
