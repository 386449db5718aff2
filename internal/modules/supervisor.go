package modules

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/bennet/internal/alert"
	"github.com/stellarlinkco/bennet/internal/clock"
	"github.com/stellarlinkco/bennet/internal/errs"
)

// runTimed fires inst whenever its next run comes due. A failed run is
// retried after RetryDelay, up to MaxRetries times, without moving the next
// run; once retries are used up the failure is recorded and the schedule
// resumes from the same next run.
func (r *Registry) runTimed(ctx context.Context, inst *instance) {
	log := r.logger.With().Str("module", inst.name).Logger()
	next := inst.sched.Next(r.clock.Now())
	r.setNextRun(inst, next)
	retries := 0

	for {
		now := r.clock.Now()
		if !now.Before(next) {
			log.Debug().Msg("running module")
			err := r.invoke(ctx, inst)
			if ctx.Err() != nil {
				log.Info().Msg("module task cancelled")
				return
			}
			switch {
			case err == nil:
				retries = 0
				next = inst.sched.Next(now)
				r.setNextRun(inst, next)
			case retries < r.opts.MaxRetries:
				retries++
				log.Warn().Err(err).Int("attempt", retries).Int("max_retries", r.opts.MaxRetries).
					Msg("module run failed, retrying")
				if !clock.Sleep(ctx, r.clock, r.opts.RetryDelay) {
					log.Info().Msg("module task cancelled")
					return
				}
				continue
			default:
				log.Error().Err(err).Int("max_retries", r.opts.MaxRetries).Msg("module failed after retries")
				r.recordError(inst.name, err)
				r.notify.Notify(ctx, alert.CategoryModuleExec,
					fmt.Sprintf("❌ Module '%s' failed after %d retries: %v", inst.name, r.opts.MaxRetries, err))
				retries = 0
			}
		}
		if !clock.Sleep(ctx, r.clock, r.opts.PollInterval) {
			log.Info().Msg("module task cancelled")
			return
		}
	}
}

// runEvent runs inst once. The module waits on its own event source; when
// Run returns the task is over.
func (r *Registry) runEvent(ctx context.Context, inst *instance) {
	log := r.logger.With().Str("module", inst.name).Str("event_type", inst.trigger.EventType).Logger()
	log.Info().Msg("starting event module")
	err := r.invoke(ctx, inst)
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		log.Info().Msg("event module cancelled")
	case err != nil:
		log.Error().Err(err).Msg("event module failed")
		r.recordError(inst.name, err)
		r.notify.Notify(ctx, alert.CategoryModuleExec,
			fmt.Sprintf("❌ Event-based module '%s' failed: %v", inst.name, err))
	default:
		log.Info().Msg("event module finished")
	}
}

func (r *Registry) invoke(ctx context.Context, inst *instance) error {
	if err := guard("run", func() error { return inst.mod.Run(ctx) }); err != nil {
		return errs.E(errs.ErrModuleExec, "module "+inst.name, err)
	}
	return nil
}
