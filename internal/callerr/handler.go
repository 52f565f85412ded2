package callerr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/confcall/internal/events"
)

var log = logging.Logger("callerr")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

var (
	ErrNoRecovery        = errors.New("no recovery available")
	ErrRecoveryInFlight  = errors.New("recovery already running")
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)

// Options configures a Handler. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Handler classifies errors, fans them out, and runs recovery. One Handler
// is created per session and passed to whoever reports errors into it.
type Handler struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts map[string]int
	inflight map[string]bool

	errs events.Registry[*CallError]
}

func NewHandler(opts Options) *Handler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		attempts: make(map[string]int),
		inflight: make(map[string]bool),
	}
}

// OnError registers a listener for every classified error.
func (h *Handler) OnError(fn func(*CallError)) func() { return h.errs.Add(fn) }

// Handle classifies err, delivers it to listeners, and starts recovery in the
// background when the error is retryable and c supplies a matching callback.
// The recovery lives as long as ctx: pass the context of the session the
// error belongs to, not a per-call one.
func (h *Handler) Handle(ctx context.Context, err error, c Context) *CallError {
	ce := h.publish(err, c)
	if ce == nil {
		return nil
	}
	if ce.Recoverable && ce.Retryable && ce.Context.recovery(ce.Type) != nil {
		go func() {
			rctx, stop := mergeCancel(ctx, h.ctx)
			defer stop()
			if err := h.Recover(rctx, ce); err != nil && !errors.Is(err, ErrRecoveryInFlight) {
				log.Warnf("CALL [%s]: recovery of %s abandoned: %v", prefix(ce), ce.Type, err)
			}
		}()
	}
	return ce
}

// HandleSync is Handle with recovery run on the calling goroutine. The
// returned error is nil only when recovery succeeded.
func (h *Handler) HandleSync(ctx context.Context, err error, c Context) (*CallError, error) {
	ce := h.publish(err, c)
	if ce == nil {
		return nil, nil
	}
	if !ce.Recoverable {
		return ce, fmt.Errorf("%s: %w", ce.Type, ErrNoRecovery)
	}
	rctx, stop := mergeCancel(ctx, h.ctx)
	defer stop()
	return ce, h.Recover(rctx, ce)
}

func (h *Handler) publish(err error, c Context) *CallError {
	ce := Classify(err, c)
	if ce == nil {
		return nil
	}
	if ce.Recoverable {
		log.Warnf("CALL [%s]: %s", prefix(ce), ce)
	} else {
		log.Errorf("CALL [%s]: %s", prefix(ce), ce)
	}
	h.errs.Emit(ce)
	return ce
}

func prefix(ce *CallError) string {
	if ce.Context.RoomID == "" {
		return "global"
	}
	return ce.Context.RoomID
}

// Recover runs the recovery callback for ce until it succeeds or the attempt
// cap for ce's key is reached. Before attempt n (0-based) it waits
// BaseDelay*2^n. Success resets the key's counter.
func (h *Handler) Recover(ctx context.Context, ce *CallError) error {
	fn := ce.Context.recovery(ce.Type)
	if fn == nil || !ce.Retryable {
		return fmt.Errorf("%s: %w", ce.Type, ErrNoRecovery)
	}
	k := ce.Key()

	h.mu.Lock()
	if h.inflight[k] {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", k, ErrRecoveryInFlight)
	}
	h.inflight[k] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inflight, k)
		h.mu.Unlock()
	}()

	for {
		h.mu.Lock()
		n := h.attempts[k]
		if n >= h.opts.MaxAttempts {
			h.mu.Unlock()
			return fmt.Errorf("%s after %d attempts: %w", k, n, ErrRecoveryExhausted)
		}
		h.attempts[k] = n + 1
		h.mu.Unlock()

		delay := h.opts.BaseDelay << n
		log.Infof("CALL: recovering %s (attempt %d/%d) in %s", k, n+1, h.opts.MaxAttempts, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		if err := fn(ctx); err != nil {
			log.Warnf("CALL: recovery attempt %d for %s failed: %v", n+1, k, err)
			continue
		}
		h.Reset(k)
		log.Infof("CALL: recovered %s", k)
		return nil
	}
}

// Attempts returns how many recovery attempts have run for key since the
// last success or reset.
func (h *Handler) Attempts(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[key]
}

func (h *Handler) Reset(key string) {
	h.mu.Lock()
	delete(h.attempts, key)
	h.mu.Unlock()
}

func (h *Handler) ResetAll() {
	h.mu.Lock()
	h.attempts = make(map[string]int)
	h.mu.Unlock()
}

// Close cancels every background recovery.
func (h *Handler) Close() {
	h.cancel()
}

// mergeCancel returns a context carrying a's values that is cancelled when
// either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
