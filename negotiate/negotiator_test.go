package negotiate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capableMock answers the probe correctly for the methods in ok and fails
// the rest. delays slows individual methods down.
func capableMock(id llm.Identity, ok map[llm.Method]bool, delays map[llm.Method]time.Duration) *llm.MockTransport {
	wait := func(ctx context.Context, m llm.Method) error {
		d := delays[m]
		if d == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	return &llm.MockTransport{
		ID: id,
		InvokeFunc: func(ctx context.Context, _ []session.Message) (*session.Message, error) {
			if err := wait(ctx, llm.MethodRaw); err != nil {
				return nil, err
			}
			msg := session.AssistantMessage(`I don't know`)
			if ok[llm.MethodRaw] {
				msg = session.AssistantMessage("<think>hmm</think>```json\n{\"answer\": \"paris\"}\n```")
			}
			return &msg, nil
		},
		StructuredFunc: func(ctx context.Context, _ []session.Message, _ llm.Schema, m llm.Method) (*llm.StructuredResponse, error) {
			if err := wait(ctx, m); err != nil {
				return nil, err
			}
			if !ok[m] {
				return nil, errors.Mark(errors.ErrUnsupportedMethod, errors.New("no %s", m))
			}
			return llm.ParsedResponse(map[string]string{"answer": "Paris"}), nil
		},
	}
}

var unknownModel = llm.Identity{Vendor: "custom", Model: "house-model"}

func TestDetectPrefersEarlierMethods(t *testing.T) {
	// Slower preferred methods still win over faster, less preferred ones.
	mock := capableMock(unknownModel,
		map[llm.Method]bool{llm.MethodTools: true, llm.MethodJSONMode: true, llm.MethodRaw: true},
		map[llm.Method]time.Duration{llm.MethodFunctionCalling: 30 * time.Millisecond, llm.MethodTools: 20 * time.Millisecond})
	n := New()

	m, err := n.Resolve(context.Background(), mock, llm.MethodAuto)
	require.NoError(t, err)
	assert.Equal(t, llm.MethodTools, m)
}

func TestDetectFallsBackToRaw(t *testing.T) {
	mock := capableMock(unknownModel, map[llm.Method]bool{llm.MethodRaw: true}, nil)
	m, err := New().Resolve(context.Background(), mock, llm.MethodAuto)
	require.NoError(t, err)
	assert.Equal(t, llm.MethodRaw, m)
}

func TestDetectAllFail(t *testing.T) {
	mock := capableMock(unknownModel, nil, nil)
	_, err := New().Resolve(context.Background(), mock, llm.MethodAuto)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
}

func TestDetectRespectsConcurrency(t *testing.T) {
	var inFlight, peak int32
	mock := &llm.MockTransport{
		ID: unknownModel,
		InvokeFunc: func(ctx context.Context, _ []session.Message) (*session.Message, error) {
			return nil, errors.New("down")
		},
	}
	mock.StructuredFunc = func(ctx context.Context, _ []session.Message, _ llm.Schema, m llm.Method) (*llm.StructuredResponse, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil, errors.New("no")
	}
	_, err := New(WithConcurrency(1)).Resolve(context.Background(), mock, llm.MethodAuto)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
}

func TestResolveCachesPerIdentity(t *testing.T) {
	mock := capableMock(unknownModel, map[llm.Method]bool{llm.MethodJSONMode: true}, nil)
	n := New()

	m, err := n.Resolve(context.Background(), mock, llm.MethodAuto)
	require.NoError(t, err)
	assert.Equal(t, llm.MethodJSONMode, m)
	calls := mock.Calls()

	m, err = n.Resolve(context.Background(), mock, llm.MethodAuto)
	require.NoError(t, err)
	assert.Equal(t, llm.MethodJSONMode, m)
	assert.Equal(t, calls, mock.Calls())

	// A second negotiator sharing the cache does not probe either.
	other := capableMock(unknownModel, nil, nil)
	m, err = New(WithCache(n.Cache())).Resolve(context.Background(), other, llm.MethodAuto)
	require.NoError(t, err)
	assert.Equal(t, llm.MethodJSONMode, m)
	assert.Zero(t, other.Calls())
}

func TestResolveKnownModel(t *testing.T) {
	id := llm.Identity{Vendor: "anthropic", Model: "claude-3-5-sonnet"}

	t.Run("verified connection is trusted", func(t *testing.T) {
		mock := capableMock(id, nil, nil)
		n := New()
		n.TrustConnection(mock)
		m, err := n.Resolve(context.Background(), mock, llm.MethodAuto)
		require.NoError(t, err)
		assert.Equal(t, llm.MethodTools, m)
		assert.Zero(t, mock.Calls())
	})

	t.Run("probed once otherwise", func(t *testing.T) {
		mock := capableMock(id, map[llm.Method]bool{llm.MethodTools: true}, nil)
		m, err := New().Resolve(context.Background(), mock, llm.MethodAuto)
		require.NoError(t, err)
		assert.Equal(t, llm.MethodTools, m)
		assert.Equal(t, []llm.Method{llm.MethodTools}, mock.Methods())
	})

	t.Run("failed probe falls through to detection", func(t *testing.T) {
		mock := capableMock(id, map[llm.Method]bool{llm.MethodRaw: true}, nil)
		m, err := New().Resolve(context.Background(), mock, llm.MethodAuto)
		require.NoError(t, err)
		assert.Equal(t, llm.MethodRaw, m)
	})
}

func TestResolveExplicit(t *testing.T) {
	t.Run("validated once", func(t *testing.T) {
		mock := capableMock(unknownModel, map[llm.Method]bool{llm.MethodJSONMode: true}, nil)
		n := New()
		for i := 0; i < 2; i++ {
			m, err := n.Resolve(context.Background(), mock, llm.MethodJSONMode)
			require.NoError(t, err)
			assert.Equal(t, llm.MethodJSONMode, m)
		}
		assert.Equal(t, 1, mock.Calls())
	})

	t.Run("unsupported structured method", func(t *testing.T) {
		mock := capableMock(unknownModel, map[llm.Method]bool{llm.MethodRaw: true}, nil)
		_, err := New().Resolve(context.Background(), mock, llm.MethodFunctionCalling)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConfiguration))
	})

	t.Run("raw that does not answer", func(t *testing.T) {
		mock := capableMock(unknownModel, nil, nil)
		_, err := New().Resolve(context.Background(), mock, llm.MethodRaw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConnection))
	})
}

func TestResolveCancelled(t *testing.T) {
	mock := capableMock(unknownModel, map[llm.Method]bool{llm.MethodRaw: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Resolve(ctx, mock, llm.MethodAuto)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyConnection(t *testing.T) {
	var mu sync.Mutex
	answer := "Paris."
	mock := &llm.MockTransport{
		ID: unknownModel,
		InvokeFunc: func(ctx context.Context, _ []session.Message) (*session.Message, error) {
			mu.Lock()
			defer mu.Unlock()
			msg := session.AssistantMessage(answer)
			return &msg, nil
		},
	}
	n := New()
	require.NoError(t, n.VerifyConnection(context.Background(), mock))
	assert.True(t, n.Cache().Verified(unknownModel))
	require.NoError(t, n.VerifyConnection(context.Background(), mock))
	assert.Equal(t, 1, mock.Calls())

	mu.Lock()
	answer = "Lyon"
	mu.Unlock()
	other := New()
	err := other.VerifyConnection(context.Background(), mock)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
	assert.False(t, other.Cache().Verified(unknownModel))
}

func TestLookup(t *testing.T) {
	tests := []struct {
		id   llm.Identity
		want llm.Method
		ok   bool
	}{
		{llm.Identity{Vendor: "openai", Model: "gpt-4o"}, llm.MethodFunctionCalling, true},
		{llm.Identity{Vendor: "azure", Model: "gpt-4-turbo"}, llm.MethodTools, true},
		{llm.Identity{Vendor: "azure", Model: "gpt-35"}, llm.MethodFunctionCalling, true},
		{llm.Identity{Vendor: "openai", Model: "deepseek-reasoner"}, llm.MethodRaw, true},
		{llm.Identity{Vendor: "bedrock", Model: "anthropic.claude-3-haiku"}, llm.MethodTools, true},
		{llm.Identity{Vendor: "gemini", Model: "gemini-2.0-flash"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id.String(), func(t *testing.T) {
			m, ok := Lookup(KnownCapabilities, tt.id)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, m)
		})
	}
	assert.True(t, LacksToolSupport("DeepSeek-R1-distill"))
	assert.False(t, LacksToolSupport("gpt-4o"))
}
