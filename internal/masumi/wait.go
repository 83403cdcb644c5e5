package masumi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "Sokosumi-Chain/internal/errors"
)

const (
	DefaultMaxWait      = 5 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// WaitOptions tunes WaitForPaymentLocked. Zero durations select the defaults.
type WaitOptions struct {
	MaxWait      time.Duration
	PollInterval time.Duration
	// OnUpdate observes the state seen on every successful poll. Panics are
	// recovered and logged.
	OnUpdate func(OnChainState)
}

type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitForPaymentLocked polls the payment status until funds are locked, the
// payment is refunded, a poll fails, or MaxWait elapses.
//
// Any poll error ends the wait immediately. Cancelling ctx ends it with
// ctx.Err().
func (c *Client) WaitForPaymentLocked(ctx context.Context, blockchainIdentifier string, opts WaitOptions) (*PaymentStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	start := c.clock.Now()
	polls := 0
	for c.clock.Now().Sub(start) < maxWait {
		status, err := c.GetPaymentStatus(ctx, blockchainIdentifier)
		polls++
		if err != nil {
			c.logger.Warn("payment status poll failed",
				slog.String("blockchain_identifier", blockchainIdentifier),
				slog.Int("poll", polls),
				slog.Any("error", err))
			return nil, err
		}

		c.logger.Debug("payment status polled",
			slog.String("blockchain_identifier", blockchainIdentifier),
			slog.String("state", string(status.OnChainState)),
			slog.Int("poll", polls))
		c.notify(opts.OnUpdate, status.OnChainState, blockchainIdentifier)

		switch status.OnChainState {
		case StateFundsLocked:
			c.logger.Info("payment funds locked",
				slog.String("blockchain_identifier", blockchainIdentifier),
				slog.Int("polls", polls))
			return status, nil
		case StateRefundWithdrawn:
			return nil, newError(KindPaymentFailed, "payment was refunded", nil,
				xerrors.WithMetadata("state", string(StateRefundWithdrawn)))
		}

		if err := c.clock.Sleep(ctx, interval); err != nil {
			return nil, err
		}
	}

	return nil, newError(KindTimeout, fmt.Sprintf("payment not locked within %dms", maxWait.Milliseconds()), nil)
}

func (c *Client) notify(observer func(OnChainState), state OnChainState, blockchainIdentifier string) {
	if observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("payment update observer panicked",
				slog.String("blockchain_identifier", blockchainIdentifier),
				slog.Any("panic", r))
		}
	}()
	observer(state)
}
