package accountqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnAccount_SameAccountFIFO(t *testing.T) {
	m := NewManager(Config{MaxConcurrentGlobal: 20, QueueTimeout: time.Second})
	defer m.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			require.NoError(t, err)
		}()
		// Ensure submission order by waiting for each enqueue to have
		// happened before firing the next goroutine's call.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1], order[i], "tasks observed out of submission order")
	}
}

func TestRunOnAccount_DistinctAccountsParallel(t *testing.T) {
	m := NewManager(Config{MaxConcurrentGlobal: 20, QueueTimeout: time.Second})
	defer m.Stop()

	start := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	for _, acct := range []string{"a", "b"} {
		wg.Add(1)
		acct := acct
		go func() {
			defer wg.Done()
			_, err := m.RunOnAccount(context.Background(), acct, func(ctx context.Context) (any, error) {
				start <- struct{}{}
				<-release
				return nil, nil
			})
			require.NoError(t, err)
		}()
	}

	// Both accounts should be able to start concurrently.
	<-start
	<-start
	close(release)
	wg.Wait()
}

func TestRunOnAccount_FailureAdvancesQueue(t *testing.T) {
	m := NewManager(Config{MaxConcurrentGlobal: 20, QueueTimeout: time.Second})
	defer m.Stop()

	wantErr := errors.New("boom")
	_, err := m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	ran := false
	_, err = m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "queue did not advance after a failed task")
}

func TestRunOnAccount_PanicAdvancesQueue(t *testing.T) {
	m := NewManager(Config{MaxConcurrentGlobal: 20, QueueTimeout: time.Second})
	defer m.Stop()

	_, err := m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	assert.Error(t, err)

	ran := false
	_, err = m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunOnAccount_TaskTimeout(t *testing.T) {
	m := NewManager(Config{MaxConcurrentGlobal: 20, QueueTimeout: 20 * time.Millisecond})
	defer m.Stop()

	_, err := m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrTaskTimeout)
}

func TestStop_RejectsNewTasks(t *testing.T) {
	m := NewManager(Config{MaxConcurrentGlobal: 20, QueueTimeout: time.Second})
	m.Stop()

	_, err := m.RunOnAccount(context.Background(), "acct-1", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrStopped)
}
