package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rateLimited() error {
	return &httpclient.UpstreamError{StatusCode: http.StatusTooManyRequests, URL: "http://upstream"}
}

func newTestRotator(t *testing.T, keys []string, rotateOn ...string) *Rotator {
	t.Helper()
	policy, err := NewRotationPolicy(rotateOn)
	require.NoError(t, err)
	return NewRotator("pool", keys, policy, zap.NewNop())
}

func TestRotator_ExhaustsAfterEveryKey(t *testing.T) {
	keys := []string{"key-a", "key-b", "key-c"}
	r := newTestRotator(t, keys)

	var used []string
	err := r.Do(context.Background(), func(_ context.Context, key string) error {
		used = append(used, key)
		return rateLimited()
	})

	require.ErrorIs(t, err, api.ErrAllCredentialsExhausted)
	// k keys are tried, plus the one retry that detects exhaustion
	assert.Len(t, used, len(keys)+1)
	assert.Equal(t, []string{"key-a", "key-b", "key-c", "key-a"}, used)
	assert.Equal(t, 0, r.Attempts())

	p, ok := api.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, p.Status)
}

func TestRotator_SuccessResetsCounter(t *testing.T) {
	r := newTestRotator(t, []string{"key-a", "key-b", "key-c"})

	calls := 0
	err := r.Do(context.Background(), func(_ context.Context, key string) error {
		calls++
		if key == "key-a" {
			return rateLimited()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, r.Attempts())
	// the working key stays active for later calls
	assert.Equal(t, 1, r.Index())
}

func TestRotator_NonRotatableErrorReturnsImmediately(t *testing.T) {
	r := newTestRotator(t, []string{"key-a", "key-b"})

	calls := 0
	err := r.Do(context.Background(), func(_ context.Context, _ string) error {
		calls++
		return &httpclient.UpstreamError{StatusCode: http.StatusBadRequest}
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusBadRequest, httpclient.StatusCode(err))
	assert.Equal(t, 0, r.Index())
}

func TestRotator_SingleKeyRetriesOnceThenExhausts(t *testing.T) {
	r := newTestRotator(t, []string{"only"})

	var keys []string
	err := r.Do(context.Background(), func(_ context.Context, key string) error {
		keys = append(keys, key)
		return rateLimited()
	})

	require.ErrorIs(t, err, api.ErrAllCredentialsExhausted)
	assert.Equal(t, []string{"only", "only"}, keys)
	assert.Equal(t, 0, r.Attempts())
	assert.Equal(t, 0, r.Index())
}

func TestRotator_SingleKeyRecovers(t *testing.T) {
	r := newTestRotator(t, []string{"only"})

	calls := 0
	err := r.Do(context.Background(), func(_ context.Context, _ string) error {
		calls++
		if calls == 1 {
			return rateLimited()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, r.Attempts())
}

func TestRotator_NoCredentialsRunsOnce(t *testing.T) {
	r := newTestRotator(t, nil)

	calls := 0
	err := r.Do(context.Background(), func(_ context.Context, key string) error {
		calls++
		assert.Empty(t, key)
		return rateLimited()
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusTooManyRequests, httpclient.StatusCode(err))
}

func TestRotator_CancellationDoesNotRotate(t *testing.T) {
	r := newTestRotator(t, []string{"key-a", "key-b"}, "*")
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, func(_ context.Context, _ string) error {
		calls++
		cancel()
		return context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Index())
}

func TestRotator_ConcurrentCallsTerminate(t *testing.T) {
	r := newTestRotator(t, []string{"key-a", "key-b", "key-c"})

	var (
		wg    sync.WaitGroup
		calls atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Do(context.Background(), func(_ context.Context, _ string) error {
				calls.Add(1)
				return rateLimited()
			})
			assert.ErrorIs(t, err, api.ErrAllCredentialsExhausted)
		}()
	}
	wg.Wait()

	// every call is bounded by k+1 tries
	assert.LessOrEqual(t, calls.Load(), int64(16*4))
	assert.GreaterOrEqual(t, r.Index(), 0)
	assert.Less(t, r.Index(), 3)
}

func TestRotationPolicy(t *testing.T) {
	ctx := context.Background()

	defaults, err := NewRotationPolicy(nil)
	require.NoError(t, err)
	assert.True(t, defaults.Rotatable(ctx, rateLimited()))
	assert.False(t, defaults.Rotatable(ctx, &httpclient.UpstreamError{StatusCode: 500}))
	assert.True(t, defaults.Rotatable(ctx, &httpclient.TransportError{URL: "x", Err: errors.New("dial")}))
	assert.True(t, defaults.Rotatable(ctx, api.UpstreamRejected("p", 429, "slow down")))

	custom, err := NewRotationPolicy([]string{"401", " 500 "})
	require.NoError(t, err)
	assert.True(t, custom.Rotatable(ctx, &httpclient.UpstreamError{StatusCode: 401}))
	assert.True(t, custom.Rotatable(ctx, &httpclient.UpstreamError{StatusCode: 500}))
	assert.False(t, custom.Rotatable(ctx, rateLimited()))

	anyErr, err := NewRotationPolicy([]string{"*"})
	require.NoError(t, err)
	assert.True(t, anyErr.Rotatable(ctx, errors.New("whatever")))

	_, err = NewRotationPolicy([]string{"often"})
	assert.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "sk-proj-...wxyz", MaskKey("sk-proj-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "*****", MaskKey("short"))
}
