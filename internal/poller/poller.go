// Package poller drives the evaluation cycle: list open orders, fetch
// product prices through a worker pool, compute health for every order,
// apply the result to the board and detect newly completed missions.
//
// The poller is the single producer for the evaluation and tick channels;
// everything downstream (stores, alerts, gateway feeds) consumes fanout
// copies of what it emits here.
package poller

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/board"
	"moonlander/internal/evaluator"
	"moonlander/internal/history"
	"moonlander/internal/maintenance"
	"moonlander/internal/metrics"
	"moonlander/internal/model"
	"moonlander/internal/pricefeed"
	"moonlander/internal/ringbuf"
)

const (
	evalBufferSize = 1024
	tickBufferSize = 1024
	trackerWindow  = 120 // rolling prices kept per product

	// How often the ticker ring is swept in WS mode.
	ringDrainInterval = 5 * time.Millisecond

	// A streamed price younger than this replaces the REST book fetch
	// for that product during a cycle.
	wsPriceFresh = 10 * time.Second
)

// Exchange is the order and price surface the poller polls.
type Exchange interface {
	ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
	AssetPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Forgetter drops per-order rule state once an order leaves the board.
type Forgetter interface {
	Forget(orderID string)
}

// MissionPublisher pushes completed missions to the live stream.
type MissionPublisher interface {
	WriteMission(ctx context.Context, m model.Mission) error
}

// Config tunes the poll cycle.
type Config struct {
	Interval    time.Duration // default: 30s
	OrderLimit  int           // default: 50
	BookWorkers int           // default: 4
	Products    []string      // optional allowlist; empty follows open orders
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.OrderLimit <= 0 {
		c.OrderLimit = 50
	}
	if c.BookWorkers <= 0 {
		c.BookWorkers = 4
	}
}

// Poller owns the cycle state: the price tracker, the board and the
// mission recorder survive across cycles, everything else is derived
// fresh each round.
type Poller struct {
	cfg      Config
	exchange Exchange

	tracker  *pricefeed.Tracker
	recorder *history.Recorder
	board    *board.Board
	checker  *maintenance.Checker

	evalCh chan model.OrderEval
	tickCh chan model.Tick

	boardPub   model.BoardPublisher
	missions   model.MissionStore
	missionPub MissionPublisher
	forgetters []Forgetter

	ring *ringbuf.Ring

	paused atomic.Bool
	pokeCh chan struct{}

	prom   *metrics.Metrics
	health *metrics.HealthStatus
}

// New creates a Poller polling the given exchange.
func New(cfg Config, exchange Exchange) *Poller {
	cfg.defaults()
	return &Poller{
		cfg:      cfg,
		exchange: exchange,
		tracker:  pricefeed.NewTracker(trackerWindow),
		recorder: history.NewRecorder(),
		board:    board.New(),
		evalCh:   make(chan model.OrderEval, evalBufferSize),
		tickCh:   make(chan model.Tick, tickBufferSize),
		pokeCh:   make(chan struct{}, 1),
	}
}

// Evals returns the evaluation output channel. Closed when Run returns.
func (p *Poller) Evals() <-chan model.OrderEval {
	return p.evalCh
}

// Ticks returns the tick output channel. Closed when Run returns.
func (p *Poller) Ticks() <-chan model.Tick {
	return p.tickCh
}

// Board returns the live board.
func (p *Poller) Board() *board.Board {
	return p.board
}

// Products returns the products the price tracker has observed so far.
func (p *Poller) Products() []string {
	return p.tracker.Products()
}

// SetMaintenance installs a maintenance window checker. Cycles are skipped
// while a window is active.
func (p *Poller) SetMaintenance(c *maintenance.Checker) {
	p.checker = c
}

// SetBoardPublisher installs the sink for board snapshots.
func (p *Poller) SetBoardPublisher(pub model.BoardPublisher) {
	p.boardPub = pub
}

// SetMissionSinks installs the durable store and the live publisher for
// completed missions. Either may be nil.
func (p *Poller) SetMissionSinks(store model.MissionStore, pub MissionPublisher) {
	p.missions = store
	p.missionPub = pub
}

// SetObservers installs the Prometheus metrics and health status sinks.
func (p *Poller) SetObservers(prom *metrics.Metrics, health *metrics.HealthStatus) {
	p.prom = prom
	p.health = health
}

// OnDepart registers forgetters notified when an order leaves the board.
func (p *Poller) OnDepart(f ...Forgetter) {
	p.forgetters = append(p.forgetters, f...)
}

// AttachTickerRing installs the SPSC ring the WS ticker pushes into.
// Run drains it continuously so streamed prices flow through the same
// tracker and tick channel as polled ones. Must be called before Run.
func (p *Poller) AttachTickerRing(r *ringbuf.Ring) {
	p.ring = r
}

// Pause suspends poll cycles until Resume is called. The loop keeps
// ticking so a resume takes effect on the next interval.
func (p *Poller) Pause() {
	if p.paused.CompareAndSwap(false, true) {
		log.Printf("[poller] paused")
	}
}

// Resume lifts a pause.
func (p *Poller) Resume() {
	if p.paused.CompareAndSwap(true, false) {
		log.Printf("[poller] resumed")
	}
}

// Poke requests an immediate out-of-band cycle. Coalesces when one is
// already pending.
func (p *Poller) Poke() {
	select {
	case p.pokeCh <- struct{}{}:
	default:
	}
}

// Run executes poll cycles until ctx is cancelled. The first cycle starts
// immediately. Closes the output channels on return.
func (p *Poller) Run(ctx context.Context) {
	// The ring drainer also sends on tickCh; wait for it before closing.
	var wg sync.WaitGroup
	if p.ring != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.drainRing(ctx)
		}()
	}
	defer func() {
		wg.Wait()
		close(p.evalCh)
		close(p.tickCh)
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[poller] polling every %s (order limit %d, %d book workers)",
		p.cfg.Interval, p.cfg.OrderLimit, p.cfg.BookWorkers)

	p.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		case <-p.pokeCh:
			p.runCycle(ctx)
		}
	}
}

// drainRing sweeps the ticker ring and folds streamed observations into
// the tracker and the tick channel. The WS read loop only ever pushes to
// the ring, so a slow pipeline shows up as ring overflow instead of a
// blocked socket.
func (p *Poller) drainRing(ctx context.Context) {
	ticker := time.NewTicker(ringDrainInterval)
	defer ticker.Stop()

	var reportedOverflow uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := 0
			n := p.ring.Drain(func(t model.Tick) {
				tick := p.tracker.Observe(t.Product, t.Price, t.TS)
				select {
				case p.tickCh <- tick:
				default:
					dropped++
				}
			})
			if p.prom != nil && n > 0 {
				p.prom.TicksTotal.Add(float64(n))
			}
			if dropped > 0 {
				log.Printf("[poller] tick channel full, dropped %d streamed ticks", dropped)
			}
			if of := p.ring.Overflow(); of > reportedOverflow {
				log.Printf("[poller] ticker ring overflow: %d ticks lost", of-reportedOverflow)
				reportedOverflow = of
			}
		}
	}
}

// runCycle performs one full poll round. Every step degrades independently:
// a failed price fetch skips that product's orders, a failed history pull
// skips mission detection, and the rest of the cycle proceeds.
func (p *Poller) runCycle(ctx context.Context) {
	now := time.Now().UTC()

	if p.paused.Load() {
		log.Printf("[poller] paused, skipping cycle")
		return
	}

	if p.checker != nil {
		if win, active := p.checker.Active(now); active {
			log.Printf("[poller] maintenance window %s active, resuming in %s",
				win, p.checker.Until(now).Round(time.Minute))
			if p.prom != nil {
				p.prom.MaintenanceActive.Set(1)
			}
			if p.health != nil {
				p.health.SetMaintenanceOpen(false)
			}
			return
		}
		if p.prom != nil {
			p.prom.MaintenanceActive.Set(0)
		}
		if p.health != nil {
			p.health.SetMaintenanceOpen(true)
		}
	}

	start := time.Now()

	open, err := p.exchange.ListOrders(ctx, model.StatusOpen, p.cfg.OrderLimit)
	if err != nil {
		log.Printf("[poller] list open orders: %v", err)
		if p.prom != nil {
			p.prom.PollErrors.Inc()
		}
		if p.health != nil {
			p.health.SetExchangeOK(false)
		}
		return
	}
	if p.health != nil {
		p.health.SetExchangeOK(true)
	}

	if len(p.cfg.Products) > 0 {
		open = filterByProduct(open, p.cfg.Products)
	}

	filled, err := p.exchange.ListOrders(ctx, model.StatusFilled, p.cfg.OrderLimit)
	if err != nil {
		// Evaluations can still run; sells just miss their entry reference.
		log.Printf("[poller] list filled orders: %v", err)
		if p.prom != nil {
			p.prom.PollErrors.Inc()
		}
		filled = nil
	}

	products := p.activeProducts(open)
	prices := p.fetchPrices(ctx, products)

	// Enrich sells with the fill price of the buy that funded them. Bias
	// and retreat detection hang off this reference.
	matcher := history.NewMatcher(filled)
	for i := range open {
		o := &open[i]
		if o.Side == model.SideSell && o.EntryPrice.IsZero() {
			if buy, ok := matcher.Match(*o); ok {
				o.EntryPrice = buy.AvgFill
			}
		}
	}

	evals := make([]model.OrderEval, 0, len(open))
	for _, o := range open {
		px, ok := prices[o.Product]
		if !ok {
			continue
		}
		t0 := time.Now()
		ev := evaluator.Evaluate(o, px, now)
		if p.prom != nil {
			p.prom.EvalComputeDur.Observe(time.Since(t0).Seconds())
			p.prom.EvalsTotal.Inc()
		}
		evals = append(evals, model.OrderEval{Order: o, Eval: ev})
	}

	for _, oe := range evals {
		select {
		case p.evalCh <- oe:
		default:
			log.Printf("[poller] eval channel full, dropping %s", oe.Key())
		}
	}

	diff := p.board.Apply(evals)
	for _, id := range diff.Departed {
		for _, f := range p.forgetters {
			f.Forget(id)
		}
	}
	if !diff.Empty() {
		log.Printf("[poller] board: %d arrived, %d departed, %d on board",
			len(diff.Added), len(diff.Departed), p.board.Len())
	}
	if p.boardPub != nil {
		if err := p.boardPub.PublishBoardJSON(ctx, p.board.SnapshotJSON()); err != nil {
			log.Printf("[poller] board publish: %v", err)
		}
	}

	if len(filled) > 0 {
		p.detectMissions(ctx, filled)
	}

	p.observeCycle(now, start, products, evals)
}

// activeProducts resolves the products to price this cycle: the allowlist
// when configured, otherwise the distinct products of the open orders.
func (p *Poller) activeProducts(open []model.Order) []string {
	seen := make(map[string]struct{})
	var products []string
	add := func(pr string) {
		if pr == "" {
			return
		}
		if _, ok := seen[pr]; ok {
			return
		}
		seen[pr] = struct{}{}
		products = append(products, pr)
	}

	if len(p.cfg.Products) > 0 {
		for _, pr := range p.cfg.Products {
			add(pr)
		}
	} else {
		for _, o := range open {
			add(o.Product)
		}
	}
	sort.Strings(products)
	return products
}

// fetchPrices resolves prices through a bounded worker pool and feeds
// every observation into the tracker and the tick channel.
func (p *Poller) fetchPrices(ctx context.Context, products []string) map[string]float64 {
	if len(products) == 0 {
		return nil
	}

	prices := make(map[string]float64, len(products))

	// In WS mode a fresh streamed price beats a REST round trip. The
	// drainer already ticked those products; only the rest hit the book.
	need := products
	if p.ring != nil {
		now := time.Now().UTC()
		need = make([]string, 0, len(products))
		for _, pr := range products {
			if last, ok := p.tracker.Last(pr); ok && now.Sub(last.TS) < wsPriceFresh {
				prices[pr] = last.Price
				continue
			}
			need = append(need, pr)
		}
		if len(need) == 0 {
			return prices
		}
	}

	type result struct {
		product string
		price   float64
		err     error
	}

	jobs := make(chan string, len(need))
	results := make(chan result, len(need))

	workers := p.cfg.BookWorkers
	if workers > len(need) {
		workers = len(need)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for product := range jobs {
				px, err := p.exchange.AssetPrice(ctx, model.BaseAsset(product))
				f, _ := px.Float64()
				results <- result{product: product, price: f, err: err}
			}
		}()
	}
	for _, pr := range need {
		jobs <- pr
	}
	close(jobs)
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			log.Printf("[poller] price %s: %v", r.product, r.err)
			if p.prom != nil {
				p.prom.PollErrors.Inc()
			}
			continue
		}
		prices[r.product] = r.price

		tick := p.tracker.Observe(r.product, r.price, time.Now().UTC())
		select {
		case p.tickCh <- tick:
		default:
			log.Printf("[poller] tick channel full, dropping %s", r.product)
		}
		if p.prom != nil {
			p.prom.TicksTotal.Inc()
		}
	}
	return prices
}

// detectMissions pulls the cancelled batch, runs the recorder over all
// completed orders and pushes new missions to the sinks.
func (p *Poller) detectMissions(ctx context.Context, filled []model.Order) {
	cancelled, err := p.exchange.ListOrders(ctx, model.StatusCancelled, p.cfg.OrderLimit)
	if err != nil {
		log.Printf("[poller] list cancelled orders: %v", err)
		if p.prom != nil {
			p.prom.PollErrors.Inc()
		}
	}

	completed := make([]model.Order, 0, len(filled)+len(cancelled))
	completed = append(completed, filled...)
	completed = append(completed, cancelled...)

	for _, m := range p.recorder.Process(completed) {
		if p.missions != nil {
			if err := p.missions.RecordMission(m); err != nil {
				log.Printf("[poller] record mission %s: %v", m.OrderID, err)
			}
		}
		if p.missionPub != nil {
			if err := p.missionPub.WriteMission(ctx, m); err != nil {
				log.Printf("[poller] publish mission %s: %v", m.OrderID, err)
			}
		}
		if p.prom != nil {
			p.prom.MissionsTotal.WithLabelValues(string(m.Outcome)).Inc()
		}
		log.Printf("[poller] mission complete: %s %s %s profit=%s",
			m.Product, m.OrderID, m.Outcome, m.Profit.StringFixed(2))
	}
}

// observeCycle records cycle-level metrics and health.
func (p *Poller) observeCycle(now, start time.Time, products []string, evals []model.OrderEval) {
	if p.prom != nil {
		p.prom.PollsTotal.Inc()
		p.prom.PollCycleDur.Observe(time.Since(start).Seconds())
		p.prom.OrdersOpen.Set(float64(p.board.Len()))

		counts := make(map[model.HealthStatus]int, 4)
		for _, oe := range evals {
			counts[oe.Eval.Status]++
		}
		for _, s := range []model.HealthStatus{
			model.StatusStable, model.StatusUnstable, model.StatusCritical, model.StatusUnknown,
		} {
			p.prom.OrdersByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}
	if p.health != nil {
		p.health.SetLastPollTime(now)
		p.health.SetOpenOrders(p.board.Len())
		p.health.SetProducts(products)
	}
	log.Printf("[poller] cycle done: %d evals across %d products in %v",
		len(evals), len(products), time.Since(start).Round(time.Millisecond))
}

// filterByProduct keeps only orders whose product is in the allowlist.
func filterByProduct(orders []model.Order, allow []string) []model.Order {
	allowed := make(map[string]struct{}, len(allow))
	for _, pr := range allow {
		allowed[pr] = struct{}{}
	}
	out := orders[:0]
	for _, o := range orders {
		if _, ok := allowed[o.Product]; ok {
			out = append(out, o)
		}
	}
	return out
}
