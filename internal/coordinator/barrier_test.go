package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierReleasesOnlyAtTarget(t *testing.T) {
	const port = 19310
	b := NewBarrier("n", port)
	require.NoError(t, b.Listen())
	defer b.StopListening()

	released := make(chan struct{})
	go func() {
		b.WaitFor(3)
		close(released)
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, Notify("127.0.0.1", port))
		select {
		case <-released:
			t.Fatalf("barrier released after only %d notifications", i+1)
		case <-time.After(20 * time.Millisecond):
		}
	}

	require.NoError(t, Notify("127.0.0.1", port))
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("barrier never released at target count")
	}
}

func TestBarrierWaitForZeroReturnsImmediately(t *testing.T) {
	b := NewBarrier("n", 19311)
	done := make(chan struct{})
	go func() {
		b.WaitFor(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("WaitFor(0) should not block")
	}
}

func TestNotifyFailsWithoutListener(t *testing.T) {
	err := Notify("127.0.0.1", 19312)
	assert.Error(t, err)
}
