// Package dispatch owns pending hits and delivers them to the collector.
//
// Hits are either sent the moment they are enqueued (a dispatch period of
// zero) or held in a FIFO queue that is drained on demand and by a periodic
// timer. Every hit resolves to exactly one outcome: sent, malformed or
// failed. Hits refused by the throttle go back to the tail of the queue; no
// other outcome is retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/internal/otelutil"
	"github.com/hitrelay/hitrelay/metrics"
	"github.com/hitrelay/hitrelay/settings"
	"github.com/hitrelay/hitrelay/throttle"
	"github.com/hitrelay/hitrelay/transmit"
	"github.com/hitrelay/hitrelay/types"
)

var (
	ErrNoTransmission = errors.New("dispatch engine has no transmission")
	ErrNegativePeriod = errors.New("dispatch period must not be negative")
)

const (
	counterEnqueued       = "hits_enqueued"
	counterOptedOut       = "hits_opted_out"
	counterSent           = "hits_sent"
	counterMalformed      = "hits_malformed"
	counterFailed         = "hits_failed"
	counterThrottled      = "hits_requeued"
	counterCleared        = "hits_cleared"
	counterBatches        = "dispatch_batches"
	gaugeQueueLength      = "queue_length"
	updownInFlight        = "dispatch_in_flight"
	histogramQueueTime    = "hit_queue_time"
	histogramSendDuration = "hit_send_duration"
)

var engineMetrics = []metrics.Metadata{
	{Name: counterEnqueued, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of hits accepted for dispatch"},
	{Name: counterOptedOut, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of hits discarded because the app is opted out"},
	{Name: counterSent, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of hits the collector accepted"},
	{Name: counterMalformed, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of hits the collector answered with an error status"},
	{Name: counterFailed, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of hits that got no response from the collector"},
	{Name: counterThrottled, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of hits put back on the queue by the throttle or while disabled"},
	{Name: counterCleared, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of queued hits discarded by a clear or an opt-out"},
	{Name: counterBatches, Type: metrics.Counter, Unit: metrics.Dimensionless, Description: "number of queued batches dispatched"},
	{Name: gaugeQueueLength, Type: metrics.Gauge, Unit: metrics.Dimensionless, Description: "number of hits waiting in the queue"},
	{Name: updownInFlight, Type: metrics.UpDown, Unit: metrics.Dimensionless, Description: "number of dispatch tasks in progress"},
	{Name: histogramQueueTime, Type: metrics.Histogram, Unit: metrics.Milliseconds, Description: "time between a hit's creation and its transmission"},
	{Name: histogramSendDuration, Type: metrics.Histogram, Unit: metrics.Milliseconds, Description: "time taken by a single collector request"},
}

// Options are the engine's tunables. The zero value sends every hit
// immediately with no throttling.
type Options struct {
	Period         time.Duration
	Throttling     bool
	BucketCapacity float64
	BucketFillRate float64
	BustCache      bool
}

// OptionsFromConfig extracts the engine options from the dispatch section of
// the config.
func OptionsFromConfig(c config.DispatchConfig) Options {
	return Options{
		Period:         time.Duration(c.Period),
		Throttling:     c.Throttling,
		BucketCapacity: c.BucketCapacity,
		BucketFillRate: c.BucketFillRate,
		BustCache:      c.BustCache,
	}
}

// task is one unit of in-flight work: an immediate send or a queued batch.
type task struct {
	done chan struct{}
}

type Engine struct {
	Config       config.Config         `inject:""`
	Metrics      metrics.Metrics       `inject:"metrics"`
	Tracer       trace.Tracer          `inject:"tracer"`
	Transmission transmit.Transmission `inject:"collectorTransmission"`
	Settings     settings.Store        `inject:""`

	// Options is used when there is no Config.
	Options Options
	Clock   clockwork.Clock `inject:""`

	mut       sync.Mutex
	queue     []*types.Hit
	inFlight  map[*task]struct{}
	observers []Observer

	period     time.Duration
	throttling bool
	bustCache  bool
	bucket     *throttle.TokenBucket
	bucketCap  float64
	bucketRate float64

	enabled   bool
	optOut    bool
	suspended bool
	stopped   bool

	ticker     clockwork.Ticker
	tickerDone chan struct{}
	sends      *pool.Pool
}

// NewEngine builds and starts an engine for library use, without a config or
// an injection graph.
func NewEngine(tx transmit.Transmission, store settings.Store, opts Options, clock clockwork.Clock) (*Engine, error) {
	e := &Engine{
		Transmission: tx,
		Settings:     store,
		Options:      opts,
		Clock:        clock,
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Start() error {
	if e.Transmission == nil {
		return ErrNoTransmission
	}
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.Metrics == nil {
		e.Metrics = &metrics.NullMetrics{}
	}
	if e.Tracer == nil {
		e.Tracer = noop.NewTracerProvider().Tracer("dispatch")
	}
	if e.Settings == nil {
		e.Settings = settings.NewMemoryStore()
	}
	if e.Config != nil {
		e.Options = OptionsFromConfig(e.Config.GetDispatchConfig())
	}
	if e.Options.Period < 0 {
		return ErrNegativePeriod
	}

	optOut, err := settings.GetBool(context.Background(), e.Settings, settings.KeyAppOptOut, false)
	if err != nil {
		return fmt.Errorf("loading opt-out setting: %w", err)
	}

	for _, metric := range engineMetrics {
		e.Metrics.Register(metric)
	}

	e.mut.Lock()
	e.inFlight = make(map[*task]struct{})
	e.sends = pool.New()
	e.enabled = true
	e.optOut = optOut
	if err := e.applyOptionsLocked(e.Options); err != nil {
		e.mut.Unlock()
		return err
	}
	e.startTimerLocked()
	e.mut.Unlock()

	if e.Config != nil {
		e.Config.RegisterReloadCallback(e.reloadOptions)
	}
	return nil
}

// Stop halts the timer and waits for in-flight sends and batches. Queued
// hits are left in place; call Suspend first to flush them.
func (e *Engine) Stop() error {
	e.mut.Lock()
	e.stopped = true
	e.stopTimerLocked()
	e.mut.Unlock()

	e.sends.Wait()

	e.mut.Lock()
	pending := e.inFlightLocked()
	e.mut.Unlock()
	return waitAll(context.Background(), pending)
}

func (e *Engine) reloadOptions(configHash string) {
	opts := OptionsFromConfig(e.Config.GetDispatchConfig())

	e.mut.Lock()
	defer e.mut.Unlock()
	periodChanged := opts.Period != e.period
	if err := e.applyOptionsLocked(opts); err != nil {
		return
	}
	if periodChanged && !e.suspended {
		e.startTimerLocked()
	}
}

// applyOptionsLocked updates everything but the timer.
func (e *Engine) applyOptionsLocked(opts Options) error {
	if opts.Period < 0 {
		return ErrNegativePeriod
	}
	if e.bucket == nil || opts.BucketCapacity != e.bucketCap || opts.BucketFillRate != e.bucketRate {
		capacity, rate := opts.BucketCapacity, opts.BucketFillRate
		if capacity == 0 && rate == 0 {
			capacity, rate = throttle.DefaultCapacity, throttle.DefaultFillRate
		}
		bucket, err := throttle.NewTokenBucket(capacity, rate, e.Clock)
		if err != nil {
			return err
		}
		e.bucket = bucket
		e.bucketCap = opts.BucketCapacity
		e.bucketRate = opts.BucketFillRate
	}
	e.period = opts.Period
	e.throttling = opts.Throttling
	e.bustCache = opts.BustCache
	e.Options = opts
	return nil
}

// AddObserver registers o for every later outcome.
func (e *Engine) AddObserver(o Observer) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.observers = append(e.observers, o)
}

// EnqueueHit accepts a parameter set for delivery. It is a no-op while the
// app is opted out.
func (e *Engine) EnqueueHit(params types.Params) {
	e.mut.Lock()
	if e.optOut {
		e.mut.Unlock()
		e.Metrics.Increment(counterOptedOut)
		return
	}
	hit := types.NewHit(params, e.Clock.Now())
	e.Metrics.Increment(counterEnqueued)

	if e.period == 0 && e.enabled && !e.stopped {
		t := e.beginTaskLocked()
		bustCache := e.bustCache
		e.sends.Go(func() {
			defer e.endTask(t)
			e.send(context.Background(), hit, hit.Params(), bustCache)
		})
		e.mut.Unlock()
		return
	}

	e.queue = append(e.queue, hit)
	e.Metrics.Gauge(gaugeQueueLength, len(e.queue))
	e.mut.Unlock()
}

// Dispatch waits for every task already in flight, then sends everything
// queued at that moment as one batch and waits for it to resolve. While the
// engine is disabled it still waits but drains nothing. The context bounds
// only the waits for other work; once a batch starts, its requests run to
// completion.
func (e *Engine) Dispatch(ctx context.Context) error {
	e.mut.Lock()
	pending := e.inFlightLocked()
	e.mut.Unlock()

	if err := waitAll(ctx, pending); err != nil {
		return err
	}

	// A concurrent drain may already hold hits queued before this call, so
	// whatever is in flight now is joined too.
	e.mut.Lock()
	others := e.inFlightLocked()
	if !e.enabled || len(e.queue) == 0 {
		e.mut.Unlock()
		return waitAll(ctx, others)
	}
	batch := e.queue
	e.queue = nil
	e.Metrics.Gauge(gaugeQueueLength, 0)
	t := e.beginTaskLocked()
	e.mut.Unlock()

	e.dispatchBatch(context.WithoutCancel(ctx), batch)
	e.endTask(t)
	return waitAll(ctx, others)
}

// DispatchAsync runs Dispatch in the background. The returned channel is
// closed when it finishes.
func (e *Engine) DispatchAsync() <-chan struct{} {
	return e.async(func() { e.Dispatch(context.Background()) })
}

// Suspend flushes the queue like Dispatch and then stops the periodic timer.
// Requests already in flight are waited for, never aborted.
func (e *Engine) Suspend(ctx context.Context) error {
	err := e.Dispatch(ctx)

	e.mut.Lock()
	e.suspended = true
	e.stopTimerLocked()
	e.mut.Unlock()
	return err
}

func (e *Engine) SuspendAsync() <-chan struct{} {
	return e.async(func() { e.Suspend(context.Background()) })
}

// Resume restarts the periodic timer when a period is set.
func (e *Engine) Resume() {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.suspended = false
	e.startTimerLocked()
}

// SetPeriod changes the dispatch period and recreates the timer. Zero
// switches later enqueues to immediate sends; hits already queued wait for
// the next drain.
func (e *Engine) SetPeriod(d time.Duration) error {
	if d < 0 {
		return ErrNegativePeriod
	}
	e.mut.Lock()
	defer e.mut.Unlock()
	if d == e.period {
		return nil
	}
	e.period = d
	e.Options.Period = d
	if !e.suspended {
		e.startTimerLocked()
	}
	return nil
}

func (e *Engine) Period() time.Duration {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.period
}

// SetThrottling turns token bucket gating of queued hits on or off.
func (e *Engine) SetThrottling(on bool) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.throttling = on
	e.Options.Throttling = on
}

func (e *Engine) SetBustCache(on bool) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.bustCache = on
	e.Options.BustCache = on
}

// SetEnabled turns sending on or off without touching the queue. Enabling a
// disabled engine starts a dispatch.
func (e *Engine) SetEnabled(enabled bool) {
	e.mut.Lock()
	changed := e.enabled != enabled
	e.enabled = enabled
	e.mut.Unlock()

	if changed && enabled {
		e.DispatchAsync()
	}
}

func (e *Engine) Enabled() bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.enabled
}

// SetOptOut records the app-wide opt-out. Opting out clears the queue and
// blocks later enqueues. The flag takes effect even when it cannot be saved.
func (e *Engine) SetOptOut(ctx context.Context, optOut bool) error {
	e.mut.Lock()
	e.optOut = optOut
	if optOut {
		e.clearLocked()
	}
	e.mut.Unlock()

	if err := settings.SetBool(ctx, e.Settings, settings.KeyAppOptOut, optOut); err != nil {
		return fmt.Errorf("saving opt-out setting: %w", err)
	}
	return nil
}

func (e *Engine) OptOut() bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.optOut
}

// Clear discards every queued hit. Sends in flight are not affected.
func (e *Engine) Clear() {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	if len(e.queue) > 0 {
		e.Metrics.Count(counterCleared, len(e.queue))
	}
	e.queue = nil
	e.Metrics.Gauge(gaugeQueueLength, 0)
}

func (e *Engine) QueueLen() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return len(e.queue)
}

// InFlight is the number of immediate sends and batches in progress.
func (e *Engine) InFlight() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return len(e.inFlight)
}

func (e *Engine) async(fn func()) <-chan struct{} {
	done := make(chan struct{})
	run := func() {
		defer close(done)
		fn()
	}

	e.mut.Lock()
	defer e.mut.Unlock()
	if e.stopped {
		go run()
	} else {
		e.sends.Go(run)
	}
	return done
}

func (e *Engine) beginTaskLocked() *task {
	t := &task{done: make(chan struct{})}
	e.inFlight[t] = struct{}{}
	e.Metrics.Up(updownInFlight)
	return t
}

func (e *Engine) endTask(t *task) {
	e.mut.Lock()
	delete(e.inFlight, t)
	e.mut.Unlock()
	e.Metrics.Down(updownInFlight)
	close(t.done)
}

func (e *Engine) inFlightLocked() []chan struct{} {
	pending := make([]chan struct{}, 0, len(e.inFlight))
	for t := range e.inFlight {
		pending = append(pending, t.done)
	}
	return pending
}

func waitAll(ctx context.Context, pending []chan struct{}) error {
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// dispatchBatch sends a drained batch in order. Hits the throttle refuses,
// and hits reached after the engine was disabled, go back on the queue.
func (e *Engine) dispatchBatch(ctx context.Context, batch []*types.Hit) {
	ctx, span := otelutil.StartSpanWith(ctx, e.Tracer, "dispatch_batch", "batch_size", len(batch))
	defer span.End()
	e.Metrics.Increment(counterBatches)

	requeued := 0
	for _, hit := range batch {
		e.mut.Lock()
		admit := e.enabled && (!e.throttling || e.bucket.ConsumeOne())
		bustCache := e.bustCache
		if !admit {
			e.queue = append(e.queue, hit)
			e.Metrics.Gauge(gaugeQueueLength, len(e.queue))
		}
		e.mut.Unlock()

		if !admit {
			requeued++
			e.Metrics.Increment(counterThrottled)
			continue
		}

		params := hit.Params()
		queueTime := e.Clock.Since(hit.Timestamp()).Milliseconds()
		params[types.ParamQueueTime] = strconv.FormatInt(queueTime, 10)
		e.Metrics.Histogram(histogramQueueTime, queueTime)
		e.send(ctx, hit, params, bustCache)
	}
	otelutil.AddSpanField(span, "requeued", requeued)
}

// send transmits one hit and reports its outcome.
func (e *Engine) send(ctx context.Context, hit *types.Hit, params types.Params, bustCache bool) {
	if bustCache {
		params[types.ParamCacheBuster] = strconv.Itoa(rand.IntN(math.MaxInt32))
	}

	start := e.Clock.Now()
	resp, err := e.Transmission.Send(ctx, params)
	e.Metrics.Histogram(histogramSendDuration, e.Clock.Since(start).Milliseconds())

	var outcome types.Outcome
	switch {
	case err != nil:
		e.Metrics.Increment(counterFailed)
		outcome = types.Outcome{Kind: types.OutcomeFailed, Hit: hit, Err: err}
	case !resp.Success():
		e.Metrics.Increment(counterMalformed)
		outcome = types.Outcome{Kind: types.OutcomeMalformed, Hit: hit, StatusCode: resp.StatusCode}
	default:
		e.Metrics.Increment(counterSent)
		outcome = types.Outcome{Kind: types.OutcomeSent, Hit: hit, Response: resp.Body}
	}
	e.notify(outcome)
}

func (e *Engine) notify(outcome types.Outcome) {
	e.mut.Lock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mut.Unlock()

	for _, o := range observers {
		o.OnOutcome(outcome)
	}
}

func (e *Engine) startTimerLocked() {
	e.stopTimerLocked()
	if e.period <= 0 || e.stopped || e.suspended {
		return
	}
	ticker := e.Clock.NewTicker(e.period)
	done := make(chan struct{})
	e.ticker = ticker
	e.tickerDone = done

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				e.tick()
			}
		}
	}()
}

// tick runs a timer drain on the send pool so Stop can wait for it.
func (e *Engine) tick() {
	e.mut.Lock()
	defer e.mut.Unlock()
	if e.stopped {
		return
	}
	e.sends.Go(func() { e.Dispatch(context.Background()) })
}

func (e *Engine) stopTimerLocked() {
	if e.ticker == nil {
		return
	}
	e.ticker.Stop()
	close(e.tickerDone)
	e.ticker = nil
	e.tickerDone = nil
}
