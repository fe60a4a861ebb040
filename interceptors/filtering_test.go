package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/sleepingf0x/wrabbit/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestFilteringInterceptor(t *testing.T) {
	reject := MessageFilterFunc(func(context.Context, *router.Message) (bool, error) { return false, nil })
	accept := MessageFilterFunc(func(context.Context, *router.Message) (bool, error) { return true, nil })

	t.Run("passes accepted messages", func(t *testing.T) {
		handler := &mockHandler{}
		msg := newMessage()
		handler.On("Handle", mock.Anything, msg).Return(nil)

		err := NewFilteringInterceptor(accept, SkipWithError, quietLogger()).Intercept(context.Background(), msg, handler)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
	})

	tests := []struct {
		name     string
		behavior SkipBehavior
		wantErr  bool
	}{
		{"skip silently", SkipSilently, false},
		{"skip with log", SkipWithLog, false},
		{"skip with error", SkipWithError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &mockHandler{}
			interceptor := NewFilteringInterceptor(reject, tt.behavior, quietLogger())

			err := interceptor.Intercept(context.Background(), newMessage(), handler)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFiltered)
			} else {
				assert.NoError(t, err)
			}
			handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		})
	}

	t.Run("filter errors are returned", func(t *testing.T) {
		boom := errors.New("boom")
		failing := MessageFilterFunc(func(context.Context, *router.Message) (bool, error) { return false, boom })

		err := NewFilteringInterceptor(failing, SkipSilently, nil).Intercept(context.Background(), newMessage(), &mockHandler{})

		assert.ErrorIs(t, err, boom)
	})
}

func TestFilters(t *testing.T) {
	ctx := context.Background()

	t.Run("VersionFilter", func(t *testing.T) {
		filter := NewVersionFilter("v1.0.0", "v1.1.0")

		ok, _ := filter.ShouldProcess(ctx, &router.Message{Version: "v1.1.0"})
		assert.True(t, ok)
		ok, _ = filter.ShouldProcess(ctx, &router.Message{Version: "v2.0.0"})
		assert.False(t, ok)
		ok, _ = filter.ShouldProcess(ctx, &router.Message{})
		assert.True(t, ok)
	})

	t.Run("RoutingKeyFilter", func(t *testing.T) {
		filter := NewRoutingKeyFilter(".", "ping.*", "audit.#")

		ok, _ := filter.ShouldProcess(ctx, &router.Message{RoutingKey: "ping.message"})
		assert.True(t, ok)
		ok, _ = filter.ShouldProcess(ctx, &router.Message{RoutingKey: "audit.a.b"})
		assert.True(t, ok)
		ok, _ = filter.ShouldProcess(ctx, &router.Message{RoutingKey: "ping.message.extra"})
		assert.False(t, ok)
	})

	t.Run("CompositeFilter needs every filter", func(t *testing.T) {
		filter := NewCompositeFilter(NewVersionFilter("v1.0.0"), NewRoutingKeyFilter(".", "ping.*"))

		ok, _ := filter.ShouldProcess(ctx, &router.Message{RoutingKey: "ping.x", Version: "v1.0.0"})
		assert.True(t, ok)
		ok, _ = filter.ShouldProcess(ctx, &router.Message{RoutingKey: "pong.x", Version: "v1.0.0"})
		assert.False(t, ok)
	})
}
