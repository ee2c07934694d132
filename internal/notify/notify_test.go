package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcPublisher_FanOutInSubscriptionOrder(t *testing.T) {
	p := NewInProcPublisher()
	var order []string
	p.Subscribe(func(m Message) { order = append(order, "first:"+m.Topic) })
	p.Subscribe(func(m Message) { order = append(order, "second:"+m.Topic) })

	require.NoError(t, p.Publish(TopicEventStateChanged, map[string]any{"event_id": 1}))

	assert.Equal(t, []string{
		"first:" + TopicEventStateChanged,
		"second:" + TopicEventStateChanged,
	}, order)
}

func TestInProcPublisher_MessageIdentity(t *testing.T) {
	p := NewInProcPublisher()
	var got []Message
	p.Subscribe(func(m Message) { got = append(got, m) })

	require.NoError(t, p.Publish(TopicBuildStateChanged, "a"))
	require.NoError(t, p.Publish(TopicBuildStateChanged, "b"))

	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, "a", got[0].Payload)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard{}.Publish(TopicEventStateChanged, nil))
}
