package dynso

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })
	core, logs := observer.New(zap.InfoLevel)
	var w sync.WaitGroup
	for i := 0; i < 4; i++ {
		w.Add(2)
		go func() {
			defer w.Done()
			SetLogger(zap.New(core))
		}()
		go func() {
			defer w.Done()
			Logger().Info("concurrent")
		}()
	}
	w.Wait()
	Logger().Info("configured")
	assert.Equal(t, "configured", logs.All()[logs.Len()-1].Message)

	SetLogger(nil)
	assert.Same(t, nop, Logger())
}
