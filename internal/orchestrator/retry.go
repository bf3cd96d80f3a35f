package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/vowguard/internal/codec"
)

// #region constants

const defaultRetries = 2 // max 2 retries = 3 total attempts

// #endregion

// #region should-retry

// retryable reports whether a generator error is worth another attempt.
func retryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// #endregion

// #region generate

// generate calls the generator, retrying transient failures up to
// cfg.GenerateRetries times.
func (o *Orchestrator) generate(ctx context.Context, prompt, systemContext string, tempDelta float64) (codec.GenerateResult, error) {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := o.callContext(ctx)
		res, err := o.deps.Generator.Generate(callCtx, prompt, systemContext, tempDelta)
		cancel()
		if err == nil || attempt >= o.cfg.GenerateRetries || !retryable(err) {
			return res, err
		}

		o.logger.Warn("generator failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return codec.GenerateResult{}, ctx.Err()
		case <-time.After(o.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.Timeout)
}

// #endregion
