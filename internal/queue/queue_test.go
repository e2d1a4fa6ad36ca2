package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobBodyRoundTrip(t *testing.T) {
	oopsID, provider, err := DecodeJob(EncodeJob("12345678-dead-beef-dead-beefdeadbeef", "swift-lcy02"))
	require.NoError(t, err)
	assert.Equal(t, "12345678-dead-beef-dead-beefdeadbeef", oopsID)
	assert.Equal(t, "swift-lcy02", provider)
}

func TestDecodeJobKeepsColonsInProvider(t *testing.T) {
	oopsID, provider, err := DecodeJob([]byte("oops-1:swift:lcy02"))
	require.NoError(t, err)
	assert.Equal(t, "oops-1", oopsID)
	assert.Equal(t, "swift:lcy02", provider)
}

func TestDecodeJobRejectsMalformedBodies(t *testing.T) {
	for _, body := range []string{"", "oops-1", "oops-1:", ":provider"} {
		_, _, err := DecodeJob([]byte(body))
		assert.Error(t, err, "body %q", body)
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "retrace_amd64", RetraceTopic("amd64"))
	assert.Equal(t, "failed_retrace_armhf", FailedRetraceTopic("armhf"))
}

func TestFakePublisherCapturesMessages(t *testing.T) {
	fake := NewFake()
	submitted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fake.Publish(context.Background(), RetraceTopic("amd64"), EncodeJob("oops-1", "local"), submitted))
	require.NoError(t, fake.Publish(context.Background(), RecountTopic, []byte("sig"), submitted))

	amd64 := fake.PublishedTo("retrace_amd64")
	require.Len(t, amd64, 1)
	assert.Equal(t, submitted, amd64[0].Timestamp)

	assert.Len(t, fake.Published(), 2)
}

func TestFakeDeliveryTracksAcks(t *testing.T) {
	fd := NewFakeDelivery([]byte("oops-1:local"), time.Now())
	assert.False(t, fd.Acked())
	fd.Delivery().Ack()
	assert.True(t, fd.Acked())
	assert.False(t, fd.Nacked())
}
