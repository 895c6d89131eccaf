package router

import (
	"context"
	"fmt"

	"switchyard/internal/domain"
)

// Handler processes one received message. A returned error moves the
// message to the failed store with reason "handler_error".
type Handler func(ctx context.Context, msg domain.Message) error

// Poll receives and handles messages for worker until ctx is done. A full
// batch is followed immediately by another receive; otherwise Poll waits
// one poll interval.
func (r *Router) Poll(ctx context.Context, worker string, h Handler) error {
	if err := r.requireWorker(worker, "worker"); err != nil {
		return err
	}
	r.logger.Printf("poll_start worker=%s interval=%s batch=%d", worker, r.opts.PollInterval, r.opts.BatchSize)
	defer r.logger.Printf("poll_stop worker=%s", worker)
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := r.Receive(ctx, worker, r.opts.BatchSize)
		if err != nil && ctx.Err() == nil {
			r.logger.Printf("warn poll_receive worker=%s err=%v", worker, err)
		}
		for _, msg := range msgs {
			r.handle(ctx, worker, msg, h)
		}
		if len(msgs) == r.opts.BatchSize {
			continue
		}
		if sleep(ctx, r.opts.PollInterval) != nil {
			return nil
		}
	}
}

func (r *Router) handle(ctx context.Context, worker string, msg domain.Message, h Handler) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return h(ctx, msg)
	}()
	if err == nil {
		return
	}
	r.logger.Printf("warn handler_error worker=%s id=%s type=%s err=%v", worker, msg.ID, msg.Type, err)
	if ferr := r.fail(worker, Processed, msg, domain.ReasonHandlerError, err.Error(), 1); ferr != nil {
		r.logger.Printf("error handler_error_record id=%s err=%v", msg.ID, ferr)
	}
}
