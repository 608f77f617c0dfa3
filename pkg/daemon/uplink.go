package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sethvargo/go-retry"

	"wrtd/pkg/cascade"
)

func (d *Daemon) newBackoff() retry.Backoff {
	b := retry.NewExponential(d.cfg.Cascade.UplinkBackoffMin)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(d.cfg.Cascade.UplinkBackoffMax, b)
}

// runUplink keeps a link to the parent. Failed attempts back off; a link
// that registered and later dropped starts over with a fresh backoff.
func (d *Daemon) runUplink(ctx context.Context) error {
	addr := d.cfg.Cascade.UplinkAddr
	log := d.log.WithField("uplink", addr)
	for {
		err := retry.Do(ctx, d.newBackoff(), func(ctx context.Context) error {
			err := d.connectUplink(ctx, addr)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, cascade.ErrUplinkLost):
				return err
			}
			log.WithError(err).Warn("uplink attempt failed")
			return retry.RetryableError(err)
		})
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, cascade.ErrUplinkLost) {
			return fmt.Errorf("uplink: %w", err)
		}
		log.WithError(err).Warn("uplink lost, reconnecting")
	}
}

func (d *Daemon) connectUplink(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: d.cfg.Cascade.CallTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return d.manager.RunUplink(ctx, conn)
}
