package main

import (
	"context"
	"log"
	"time"

	"github.com/zhilfond/domo/backend/dispatch"
)

// PendingSweeper periodically enumerates unassigned requests, keeps the
// gauge fresh, and batch-dispatches the auto-assign-eligible ones that
// have waited too long.
type PendingSweeper struct {
	dispatcher *dispatch.Dispatcher
	interval   time.Duration
	maxWait    int
	autoBatch  bool
}

func NewPendingSweeper(d *dispatch.Dispatcher, interval time.Duration, maxWaitMinutes int, autoBatch bool) *PendingSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingSweeper{
		dispatcher: d,
		interval:   interval,
		maxWait:    maxWaitMinutes,
		autoBatch:  autoBatch,
	}
}

func (s *PendingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *PendingSweeper) sweep(ctx context.Context) {
	pending, err := s.dispatcher.GetPendingAssignments(ctx, s.maxWait)
	if err != nil {
		log.Printf("[SWEEPER] enumerate pending failed: %v", err)
		return
	}
	if len(pending) == 0 || !s.autoBatch {
		return
	}

	var numbers []string
	for _, p := range pending {
		if p.Overdue && p.AutoAssignEligible {
			numbers = append(numbers, p.Request.Number)
		}
	}
	if len(numbers) == 0 {
		return
	}

	log.Printf("[SWEEPER] batch-dispatching %d overdue requests", len(numbers))
	results, err := s.dispatcher.DispatchBatch(ctx, numbers)
	if err != nil {
		log.Printf("[SWEEPER] batch dispatch failed: %v", err)
		return
	}
	assigned := 0
	for _, r := range results {
		if r.Assigned {
			assigned++
		}
	}
	log.Printf("[SWEEPER] assigned %d/%d overdue requests", assigned, len(numbers))
}
