package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := New()

	const workers = 50
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Lock("tenant:42:bots")
			counter++
			kl.Unlock("tenant:42:bots")
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	kl := New()

	kl.Lock("a")
	done := make(chan struct{})
	go func() {
		kl.Lock("b")
		kl.Unlock("b")
		close(done)
	}()
	<-done
	kl.Unlock("a")
}

func TestKeyLockReleasesEntries(t *testing.T) {
	kl := New()
	kl.Lock("x")
	kl.Unlock("x")

	kl.mu.Lock()
	defer kl.mu.Unlock()
	assert.Empty(t, kl.locks)
}
