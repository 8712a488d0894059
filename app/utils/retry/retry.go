package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy 指数退避重试参数
type Policy struct {
	MaxRetries   int           // 最大重试次数（不含首次尝试）
	InitialDelay time.Duration // 首次重试延迟
	MaxDelay     time.Duration // 延迟上限
	Multiplier   float64       // 退避倍率
}

// Do 以指数退避驱动 op 的执行。
// 第 k 次重试前等待 min(InitialDelay * Multiplier^k, MaxDelay)，
// 延迟是确定性的（无随机抖动）。retryable 判定失败是否值得重试，
// notify 在每次重试等待前被调用。等待可被 ctx 取消打断。
func Do(ctx context.Context, p Policy, retryable func(error) bool, notify func(error, time.Duration), op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	b = backoff.WithContext(b, ctx)

	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if notify == nil {
		return backoff.Retry(wrapped, b)
	}
	return backoff.RetryNotify(wrapped, b, notify)
}
