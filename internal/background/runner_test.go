package background_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crm-backend/internal/background"
)

func TestRunnerRecoversPanics(t *testing.T) {
	runner := background.NewRunner(zap.NewNop(), time.Second)

	var ran atomic.Int32
	runner.Go("panics", func(context.Context) error {
		panic("boom")
	})
	runner.Go("fails", func(context.Context) error {
		ran.Add(1)
		return errors.New("collaborator down")
	})
	runner.Go("succeeds", func(context.Context) error {
		ran.Add(1)
		return nil
	})

	runner.Wait()
	require.Equal(t, int32(2), ran.Load())
}

func TestRunnerAppliesTimeout(t *testing.T) {
	runner := background.NewRunner(zap.NewNop(), 20*time.Millisecond)

	var deadlineHit atomic.Bool
	runner.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadlineHit.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})

	runner.Wait()
	require.True(t, deadlineHit.Load())
}
