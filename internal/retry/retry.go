package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

var DefaultOptions = []retry.Option{
	retry.LastErrorOnly(true),
	retry.Delay(time.Second),
	retry.DelayType(retry.FixedDelay),
}

type Config[T any] struct {
	If      func(err error) bool
	Options []retry.Option
}

func (rc Config[T]) Do(f retry.RetryableFuncWithData[T]) (T, error) {
	opts := rc.Options
	if rc.If != nil {
		opts = append(opts, retry.RetryIf(rc.If))
	}
	return retry.DoWithData(f, opts...)
}

// OnErrorConfig retries up to attemptCount times while check reports the error as retryable.
// Cancelling ctx stops waiting between attempts.
func OnErrorConfig[T any](ctx context.Context, attemptCount uint, check func(error) bool) Config[T] {
	cfg := Config[T]{
		If:      check,
		Options: []retry.Option{retry.Attempts(attemptCount), retry.Context(ctx)},
	}
	cfg.Options = append(cfg.Options, DefaultOptions...)
	return cfg
}
