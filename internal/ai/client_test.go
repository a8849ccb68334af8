package ai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPrompts map[string]string

func (s staticPrompts) Resolve(key string, vars map[string]string) (string, error) {
	p, ok := s[key]
	if !ok {
		return "", errors.New("unknown template")
	}
	return p + vars["suffix"], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixed(name, text string, err error) ProviderFunc {
	return ProviderFunc{ProviderName: name, Fn: func(context.Context, string) (string, error) {
		return text, err
	}}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(nil, nil, staticPrompts{}, time.Second, testLogger())
	assert.ErrorIs(t, err, ErrNilProvider)

	_, err = NewClient(fixed("p", "x", nil), nil, nil, time.Second, testLogger())
	assert.ErrorIs(t, err, ErrNilPrompts)

	_, err = NewClient(fixed("p", "x", nil), nil, staticPrompts{}, 0, testLogger())
	assert.Error(t, err)
}

func TestClient_Invoke(t *testing.T) {
	t.Parallel()

	var seen string
	primary := ProviderFunc{ProviderName: "primary", Fn: func(_ context.Context, prompt string) (string, error) {
		seen = prompt
		return `{"profile":{}}`, nil
	}}

	c, err := NewClient(primary, nil, staticPrompts{"parse": "Parse: "}, time.Second, testLogger())
	require.NoError(t, err)

	completion, err := c.Invoke(context.Background(), "parse", map[string]string{"suffix": "resume"})
	require.NoError(t, err)
	assert.Equal(t, "Parse: resume", seen)
	assert.Equal(t, `{"profile":{}}`, completion.Text)
	assert.Equal(t, "primary", completion.Provider)
	assert.False(t, completion.Degraded)

	_, err = c.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestClient_Complete_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider Provider
		wantKind domain.ErrorKind
	}{
		{
			name:     "transport error is transient",
			provider: fixed("p", "", errors.New("dial tcp: connection refused")),
			wantKind: domain.KindTransient,
		},
		{
			name:     "empty content",
			provider: fixed("p", "  \n ", nil),
			wantKind: domain.KindContent,
		},
		{
			name:     "provider classified content error",
			provider: fixed("p", "", domain.NewContentError("p", errors.New("blocked by safety filter"))),
			wantKind: domain.KindContent,
		},
		{
			name: "panic is recovered as transient",
			provider: ProviderFunc{ProviderName: "p", Fn: func(context.Context, string) (string, error) {
				panic("boom")
			}},
			wantKind: domain.KindTransient,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewClient(tc.provider, nil, staticPrompts{}, time.Second, testLogger())
			require.NoError(t, err)

			_, err = c.Complete(context.Background(), "prompt")
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, domain.KindOf(err))
		})
	}
}

func TestClient_Complete_CallTimeout(t *testing.T) {
	t.Parallel()

	// Ignores its context entirely; the client must still return on time.
	hanging := ProviderFunc{ProviderName: "slow", Fn: func(context.Context, string) (string, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	}}

	c, err := NewClient(hanging, nil, staticPrompts{}, 50*time.Millisecond, testLogger())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Complete(context.Background(), "prompt")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, elapsed, time.Second)
}

func TestClient_Complete_Fallback(t *testing.T) {
	t.Parallel()

	t.Run("transient primary degrades to fallback", func(t *testing.T) {
		t.Parallel()

		c, err := NewClient(
			fixed("primary", "", errors.New("503 service unavailable")),
			fixed("fallback", `{"skills":[]}`, nil),
			staticPrompts{}, time.Second, testLogger(),
		)
		require.NoError(t, err)

		completion, err := c.Complete(context.Background(), "prompt")
		require.NoError(t, err)
		assert.True(t, completion.Degraded)
		assert.Equal(t, "fallback", completion.Provider)
	})

	t.Run("content error does not degrade", func(t *testing.T) {
		t.Parallel()

		var fallbackCalls atomic.Int32
		fallback := ProviderFunc{ProviderName: "fallback", Fn: func(context.Context, string) (string, error) {
			fallbackCalls.Add(1)
			return "{}", nil
		}}

		c, err := NewClient(fixed("primary", "", nil), fallback, staticPrompts{}, time.Second, testLogger())
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), "prompt")
		assert.Equal(t, domain.KindContent, domain.KindOf(err))
		assert.Zero(t, fallbackCalls.Load())
	})

	t.Run("both fail keeps fallback kind", func(t *testing.T) {
		t.Parallel()

		c, err := NewClient(
			fixed("primary", "", errors.New("timeout")),
			fixed("fallback", "", nil),
			staticPrompts{}, time.Second, testLogger(),
		)
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), "prompt")
		require.Error(t, err)
		assert.Equal(t, domain.KindContent, domain.KindOf(err))
		assert.Contains(t, err.Error(), "primary")
	})
}
