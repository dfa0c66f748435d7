package safe_close

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeClose(t *testing.T) {
	sc := NewSafeClose()
	var exited atomic.Int32
	for i := 0; i < 3; i++ {
		assert.True(t, sc.Go(func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		}))
	}

	errFatal := errors.New("fatal")
	sc.SendCloseSignal(errFatal)
	sc.SendCloseSignal(errors.New("second"))
	sc.CloseWait()
	sc.CloseWait()

	assert.Equal(t, int32(3), exited.Load())
	assert.Same(t, errFatal, sc.Err())
	assert.True(t, sc.Closed())

	assert.False(t, sc.Go(func(context.Context) { t.Fatal("must not run") }))
}
