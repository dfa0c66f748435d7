package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var errPrimary = errors.New("primary down")

func failing(context.Context) (string, error) { return "", errPrimary }

func TestHandler_primaryWins(t *testing.T) {
	h := New("op", func(context.Context) (string, error) {
		t.Fatal("fallback must not run")
		return "", nil
	}, nil).WithValue("static")

	v, err := h.Execute(context.Background(), func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestHandler_order(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	lg := zap.New(core)

	h := New("profile", func(context.Context) (string, error) { return "secondary", nil }, lg).WithValue("static")
	v, err := h.Execute(context.Background(), failing)
	require.NoError(t, err)
	assert.Equal(t, "secondary", v)

	h.Fallback = func(context.Context) (string, error) { return "", errors.New("secondary down") }
	v, err = h.Execute(context.Background(), failing)
	require.NoError(t, err)
	assert.Equal(t, "static", v)

	entries := logs.FilterField(zap.String("op", "profile")).All()
	require.Len(t, entries, 3)
	assert.Equal(t, errPrimary.Error(), entries[0].ContextMap()["error"])
}

func TestHandler_propagatesPrimaryError(t *testing.T) {
	h := New[string]("op", func(context.Context) (string, error) { return "", errors.New("secondary down") }, nil)
	_, err := h.Execute(context.Background(), failing)
	assert.Same(t, errPrimary, err)

	bare := &Handler[int]{Name: "bare"}
	_, err = bare.Execute(context.Background(), func(context.Context) (int, error) { return 0, errPrimary })
	assert.Same(t, errPrimary, err)
}

func TestHandler_zeroStaticValue(t *testing.T) {
	h := (&Handler[int]{Name: "count"}).WithValue(0)
	v, err := h.Execute(context.Background(), func(context.Context) (int, error) { return 0, errPrimary })
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
