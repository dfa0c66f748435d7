package pool

import (
	"testing"
	"time"
)

func TestGetTimer_reuse(t *testing.T) {
	timer := GetTimer(time.Millisecond)
	<-timer.C
	ReleaseTimer(timer)

	timer = GetTimer(time.Millisecond * 5)
	defer ReleaseTimer(timer)
	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("reused timer never fired")
	}
}

func TestGetBuf(t *testing.T) {
	b := GetBuf()
	b.WriteString("hello")
	ReleaseBuf(b)

	b = GetBuf()
	defer ReleaseBuf(b)
	if b.Len() != 0 {
		t.Fatal("pooled buffer is not empty")
	}
}
