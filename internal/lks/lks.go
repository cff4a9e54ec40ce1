// Package lks implements the LBS Key Scheduler (spec.md §4.3): a single
// owning goroutine that round-robins a pool of upstream LBS API keys,
// quarantines ones that come back 403/forbidden, and reinstates them after
// an hourly reactivation probe. Grounded on
// original_source/src/tasks/yandex.rs, channel-owned the same way as
// internal/gss.
package lks

import (
	"context"
	"time"

	"github.com/eugenever/locator/internal/observability"
)

const reactivationInterval = 1 * time.Hour

type reqKind int

const (
	reqNextKey reqKind = iota
	reqQuarantine
	reqReactivateDue
	reqReinstate
)

type request struct {
	kind    reqKind
	key     string
	reply   chan response
}

type response struct {
	key       string
	ok        bool
	dueKeys   []string
}

// Prober checks whether a quarantined key is usable again.
type Prober interface {
	Probe(ctx context.Context, key string) bool
}

// Scheduler owns the key pool and serializes all access through run().
type Scheduler struct {
	reqCh   chan request
	active  []string
	quarantined map[string]time.Time
	next    int
	prober  Prober
}

// New starts the scheduler's owning goroutine. keys is the initial pool of
// active API keys; prober is consulted during the hourly reactivation sweep.
func New(ctx context.Context, keys []string, prober Prober) *Scheduler {
	s := &Scheduler{
		reqCh:       make(chan request),
		active:      append([]string(nil), keys...),
		quarantined: make(map[string]time.Time),
		prober:      prober,
	}
	observability.SetLKSActiveKeys(len(s.active))
	go s.run(ctx)
	go s.reactivationLoop(ctx)
	return s
}

// ErrNoActiveKeys is returned when every key is currently quarantined.
type ErrNoActiveKeys struct{}

func (ErrNoActiveKeys) Error() string { return "lks: no active api keys" }

// NextKey returns the next key in round-robin order.
func (s *Scheduler) NextKey(ctx context.Context) (string, error) {
	reply := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: reqNextKey, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case resp := <-reply:
		if !resp.ok {
			return "", ErrNoActiveKeys{}
		}
		return resp.key, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Quarantine removes key from the active rotation, per a 403 response.
func (s *Scheduler) Quarantine(ctx context.Context, key string) {
	reply := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: reqQuarantine, key: key, reply: reply}:
		<-reply
	case <-ctx.Done():
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqCh:
			switch req.kind {
			case reqNextKey:
				s.handleNextKey(req)
			case reqQuarantine:
				s.handleQuarantine(req)
			case reqReactivateDue:
				s.handleReactivateDue(req)
			case reqReinstate:
				s.handleReinstate(req)
			}
		}
	}
}

func (s *Scheduler) handleNextKey(req request) {
	if len(s.active) == 0 {
		req.reply <- response{ok: false}
		return
	}
	k := s.active[s.next%len(s.active)]
	s.next++
	req.reply <- response{key: k, ok: true}
}

func (s *Scheduler) handleQuarantine(req request) {
	for i, k := range s.active {
		if k == req.key {
			s.active = append(s.active[:i], s.active[i+1:]...)
			s.quarantined[req.key] = time.Now()
			observability.IncLKSQuarantine()
			observability.SetLKSActiveKeys(len(s.active))
			break
		}
	}
	req.reply <- response{}
}

func (s *Scheduler) handleReactivateDue(req request) {
	due := make([]string, 0, len(s.quarantined))
	for k := range s.quarantined {
		due = append(due, k)
	}
	req.reply <- response{dueKeys: due}
}

func (s *Scheduler) handleReinstate(req request) {
	if _, ok := s.quarantined[req.key]; ok {
		delete(s.quarantined, req.key)
		s.active = append(s.active, req.key)
		observability.IncLKSReactivation()
		observability.SetLKSActiveKeys(len(s.active))
	}
	req.reply <- response{}
}

// reactivationLoop wakes hourly, probes every quarantined key, and moves the
// ones that pass back into the active rotation.
func (s *Scheduler) reactivationLoop(ctx context.Context) {
	ticker := time.NewTicker(reactivationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reactivateOnce(ctx)
		}
	}
}

func (s *Scheduler) reactivateOnce(ctx context.Context) {
	reply := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: reqReactivateDue, reply: reply}:
	case <-ctx.Done():
		return
	}
	var due []string
	select {
	case resp := <-reply:
		due = resp.dueKeys
	case <-ctx.Done():
		return
	}

	for _, key := range due {
		if s.prober == nil || !s.prober.Probe(ctx, key) {
			continue
		}
		reply := make(chan response, 1)
		select {
		case s.reqCh <- request{kind: reqReinstate, key: key, reply: reply}:
		case <-ctx.Done():
			return
		}
		select {
		case <-reply:
		case <-ctx.Done():
			return
		}
	}
}
