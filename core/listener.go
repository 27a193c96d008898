package core

// listener.go - the Block Listener: a per-chain state machine that
// crawls blocks in order, decodes protocol messages and emits them on
// rxEvent. An owned struct holds the collaborators and a background loop
// goroutine, started and stopped explicitly; each iteration fetches the
// chain head, then processes pending blocks in bounded-concurrency
// batches with retry/skip accounting.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ListenerConfig configures one chain's Block Listener.
type ListenerConfig struct {
	Blockchain      string
	Interval        time.Duration // time between Scheduled iterations
	Restart         uint64        // look-back depth used by the starting-block rule
	MaxRetries      int           // 0 disables the skip-on-exhaustion rule
	BatchSize       int           // max concurrent block fetches per batch
	ConfiguredEnd   uint64        // 0 means unbounded (crawl to chain head)
	ConfiguredStart uint64        // 0 means "derive via the starting-block rule"
	TraceRaw        bool          // log the full per-block parameter set at trace level
	RPCTimeout      time.Duration // per-call timeout; defaults to 10s, floor 500ms

	// OnAdvance, when set, is invoked after every successful or skipped
	// batch with the new cursor and the last discovered chain head, so the
	// caller can persist the chain's sync status.
	OnAdvance func(cursor, highest uint64)
}

func (c *ListenerConfig) withDefaults() ListenerConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.RPCTimeout <= 0 {
		out.RPCTimeout = 10 * time.Second
	} else if out.RPCTimeout < 500*time.Millisecond {
		out.RPCTimeout = 500 * time.Millisecond
	}
	return out
}

// Listener drives one chain's crawl. One instance exists per chain.
type Listener struct {
	cfg    ListenerConfig
	client ChainClient
	codec  MessageCodec
	bus    *Bus
	log    *logrus.Logger

	mu                sync.Mutex
	cursor            uint64
	iteration         uint64
	discoveredHighest uint64
	retryCount        int
	skippedBlocks     uint64
	active            bool
	quit              chan struct{}
	done              chan struct{}
}

// NewListener constructs a Listener for one chain. current is the chain's
// last-known currentBlock (from ChainState.Status), used by the
// starting-block rule.
func NewListener(cfg ListenerConfig, client ChainClient, codec MessageCodec, bus *Bus, log *logrus.Logger, current uint64) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Listener{
		cfg:    cfg.withDefaults(),
		client: client,
		codec:  codec,
		bus:    bus,
		log:    log,
		cursor: current,
	}
	return l
}

// DetermineStartingBlock picks the first block to process:
//  1. configuredStart > 0 -> configuredStart - 1
//  2. highest - restart > current + 1 -> highest - restart - 1
//  3. current > 0 -> current
//  4. highest > 0 -> highest - 1
//  5. otherwise -> 1
func DetermineStartingBlock(highest, current, configuredStart, restart uint64) uint64 {
	if configuredStart > 0 {
		return configuredStart - 1
	}
	if highest > restart && highest-restart > current+1 {
		return highest - restart - 1
	}
	if current > 0 {
		return current
	}
	if highest > 0 {
		return highest - 1
	}
	return 1
}

// Start launches the Listener's iteration loop (Idle -> Scheduled -> ...).
// At most one outstanding iteration runs at a time; Start is a no-op if
// already active.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return
	}
	l.active = true
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop signals the loop to exit after its current iteration resolves and
// blocks until it has.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	quit, done := l.quit, l.done
	l.active = false
	l.mu.Unlock()

	close(quit)
	<-done
}

// immediateReschedule is the short delay before the next iteration when the
// previous one processed work and more may already be waiting.
const immediateReschedule = 50 * time.Millisecond

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	delay := l.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-time.After(delay):
		}

		worked, err := l.iterate(ctx)
		switch {
		case err != nil:
			l.log.WithError(err).WithField("blockchain", l.cfg.Blockchain).Warn("listener: iteration failed")
			delay = l.cfg.Interval // retry-reschedule
		case worked:
			delay = immediateReschedule
		default:
			delay = l.cfg.Interval
		}

		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		default:
		}
	}
}

// iterate runs one Fetching-Highest -> {NoWork | Processing} step. It
// reports whether any blocks were processed, so run can reschedule
// immediately when more work may be waiting.
func (l *Listener) iterate(ctx context.Context) (worked bool, err error) {
	rpcCtx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	highest, err := l.client.GetHighestBlock(rpcCtx)
	if err != nil {
		return false, Transient("iterate", err)
	}

	l.mu.Lock()
	l.iteration++
	iteration := l.iteration
	if l.discoveredHighest == 0 {
		l.cursor = DetermineStartingBlock(highest, l.cursor, l.cfg.ConfiguredStart, l.cfg.Restart)
	}
	l.discoveredHighest = highest
	cursor := l.cursor
	l.mu.Unlock()

	if highest == 0 {
		return false, nil // NoWork: reschedule normally
	}
	endBlock := highest - 1
	if l.cfg.ConfiguredEnd > 0 && l.cfg.ConfiguredEnd < endBlock {
		endBlock = l.cfg.ConfiguredEnd
	}
	if cursor >= endBlock {
		// No blocks pending; a bounded crawl that has reached its
		// configured end idles here instead of rescheduling immediately.
		return false, nil
	}
	l.log.WithFields(logrus.Fields{
		"blockchain":  l.cfg.Blockchain,
		"iteration":   iteration,
		"correlation": NewCorrelationID(),
		"from":        cursor + 1,
		"to":          endBlock,
	}).Debug("listener: processing blocks")
	return true, l.processBatches(ctx, cursor, endBlock)
}

// processBatches processes [cursor+1 .. endBlock] in batches of up to
// BatchSize, each batch resolved fully (bounded concurrency) before the
// next begins. On batch failure exceeding MaxRetries, the batch is
// skipped and the cursor still advances past it.
func (l *Listener) processBatches(ctx context.Context, cursor, endBlock uint64) error {
	for cursor < endBlock {
		batchEnd := cursor + uint64(l.cfg.BatchSize)
		if batchEnd > endBlock {
			batchEnd = endBlock
		}

		err := l.processBatch(ctx, cursor+1, batchEnd)
		if err != nil {
			l.mu.Lock()
			l.retryCount++
			exceeded := l.cfg.MaxRetries > 0 && l.retryCount > l.cfg.MaxRetries
			l.mu.Unlock()
			if !exceeded {
				return err
			}
			l.log.WithFields(logrus.Fields{
				"blockchain": l.cfg.Blockchain,
				"from":       cursor + 1,
				"to":         batchEnd,
			}).Warn("listener: skipping batch after exhausting retries")
			l.mu.Lock()
			l.skippedBlocks += batchEnd - cursor
			l.retryCount = 0
			l.mu.Unlock()
		} else {
			l.mu.Lock()
			l.retryCount = 0
			l.mu.Unlock()
		}

		// Cursor advance is atomic on batch completion, regardless of
		// whether individual fetches within the batch completed in order.
		l.mu.Lock()
		l.cursor = batchEnd
		cursor = l.cursor
		highest := l.discoveredHighest
		l.mu.Unlock()
		if l.cfg.OnAdvance != nil {
			l.cfg.OnAdvance(cursor, highest)
		}
	}
	return nil
}

// processBatch fetches and decodes blocks [from..to] with up to BatchSize
// fetches in flight simultaneously, full resolution before returning.
func (l *Listener) processBatch(ctx context.Context, from, to uint64) error {
	type result struct {
		number uint64
		err    error
	}

	numbers := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		numbers = append(numbers, n)
	}

	results := make(chan result, len(numbers))
	sem := make(chan struct{}, l.cfg.BatchSize)
	var wg sync.WaitGroup

	for _, n := range numbers {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results <- result{number: n, err: l.processBlock(ctx, n)}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}

// processBlock fetches one block and feeds each candidate element to the
// codec, emitting rxEvent(messageReceived) for every decoded message.
// Codec failures classified NoData are swallowed; other failures
// bubble and count as a batch error.
func (l *Listener) processBlock(ctx context.Context, number uint64) error {
	rpcCtx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	block, err := l.client.GetBlockByNumber(rpcCtx, number, true)
	if err != nil {
		return Transient("processBlock", err)
	}

	if l.cfg.TraceRaw {
		l.log.WithFields(logrus.Fields{
			"blockchain": l.cfg.Blockchain,
			"number":     number,
			"elements":   len(block.Elements),
			"timestamp":  block.Timestamp,
		}).Trace("listener: raw block parameters")
	}

	for _, el := range block.Elements {
		msg, err := l.codec.ExtractMessage(el, number, block.Timestamp)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				continue // no protocol message in this element
			}
			return err
		}
		if msg == nil {
			continue
		}
		msg.Meta.Blockchain = l.cfg.Blockchain
		msg.Meta.TransactionHash = el.Hash
		msg.Meta.BlockNumber = number
		msg.Meta.BlockTimestamp = block.Timestamp
		l.bus.Emit(EventMessageReceived, msg)
	}
	return nil
}

// Snapshot reports the listener's current progress, for wiring into
// ChainStatus.
func (l *Listener) Snapshot() (cursor, highest uint64, skipped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor, l.discoveredHighest, l.skippedBlocks
}
