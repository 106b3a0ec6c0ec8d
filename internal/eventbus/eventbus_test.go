package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFanOutInOrder(t *testing.T) {
	b := New[int]()
	var got []int
	b.Subscribe(func(ev int) { got = append(got, ev*10) })
	b.Subscribe(func(ev int) { got = append(got, ev*100) })
	b.Publish(1)
	b.Publish(2)
	require.Equal(t, []int{10, 100, 20, 200}, got)
}

func TestCancelSubscription(t *testing.T) {
	b := New[string]()
	var got []string
	cancel := b.Subscribe(func(ev string) { got = append(got, ev) })
	b.Publish("a")
	cancel()
	cancel() // must be idempotent
	b.Publish("b")
	require.Equal(t, []string{"a"}, got)
}
