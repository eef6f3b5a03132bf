package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// QueryError reports which endpoints of a fan-out failed. Successfully
// fetched events are still returned alongside it.
type QueryError struct {
	FailedRelays []string
	TotalRelays  int
	Err          error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed on %d/%d relays (%s): %v",
		len(e.FailedRelays), e.TotalRelays, strings.Join(e.FailedRelays, ", "), e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PublishResult is the per-relay outcome of a publish fan-out.
type PublishResult struct {
	Relay string
	Err   error
}

// Pool maintains one connection per relay URL and fans queries,
// subscriptions and publishes out across relay sets.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Conn)}
}

func (p *Pool) ensure(ctx context.Context, url string) (*Conn, error) {
	p.mu.Lock()
	conn, ok := p.conns[url]
	p.mu.Unlock()
	if ok {
		select {
		case <-conn.closed:
			// fall through to redial
		default:
			return conn, nil
		}
	}

	conn, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[url] = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, conn := range p.conns {
		conn.Close()
		delete(p.conns, url)
	}
}

// Query fans the filters out to every relay and merges the results, deduped
// by event id. If some relays fail the partial result set is returned along
// with a *QueryError naming them.
func (p *Pool) Query(ctx context.Context, relays []string, filters []Filter, timeout time.Duration) ([]Event, error) {
	type result struct {
		url    string
		events []Event
		err    error
	}

	results := make(chan result, len(relays))
	var wg sync.WaitGroup
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			conn, err := p.ensure(ctx, url)
			if err != nil {
				results <- result{url: url, err: err}
				return
			}
			events, err := conn.Query(ctx, filters, timeout)
			results <- result{url: url, events: events, err: err}
		}(url)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	var events []Event
	var failed []string
	var firstErr error
	for r := range results {
		for _, ev := range r.events {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			events = append(events, ev)
		}
		if r.err != nil {
			failed = append(failed, r.url)
			if firstErr == nil {
				firstErr = r.err
			}
		}
	}
	if len(failed) > 0 {
		return events, &QueryError{FailedRelays: failed, TotalRelays: len(relays), Err: firstErr}
	}
	return events, nil
}

// Subscribe opens a standing subscription on every relay and fans the
// deliveries into one channel. The channel closes when the context is
// cancelled. Subscribing succeeds if at least one relay accepts.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters []Filter) (<-chan Event, error) {
	out := make(chan Event, 64)
	var wg sync.WaitGroup
	var failed []string
	var firstErr error

	for _, url := range relays {
		conn, err := p.ensure(ctx, url)
		if err != nil {
			failed = append(failed, url)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ch, err := conn.Subscribe(ctx, filters)
		if err != nil {
			failed = append(failed, url)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if len(failed) == len(relays) {
		close(out)
		return nil, &QueryError{FailedRelays: failed, TotalRelays: len(relays), Err: firstErr}
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Publish submits the event to every relay and reports the per-relay outcome.
func (p *Pool) Publish(ctx context.Context, relays []string, ev Event, timeout time.Duration) []PublishResult {
	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i].Relay = url
			conn, err := p.ensure(ctx, url)
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Err = conn.Publish(ctx, ev, timeout)
		}(i, url)
	}
	wg.Wait()
	return results
}
