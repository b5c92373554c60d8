package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mum4k/termdash"
	"github.com/mum4k/termdash/cell"
	"github.com/mum4k/termdash/container"
	"github.com/mum4k/termdash/container/grid"
	"github.com/mum4k/termdash/linestyle"
	"github.com/mum4k/termdash/terminal/tcell"
	"github.com/mum4k/termdash/terminal/terminalapi"
	"github.com/mum4k/termdash/widgets/barchart"
	"github.com/mum4k/termdash/widgets/button"
	"github.com/mum4k/termdash/widgets/linechart"
	"github.com/mum4k/termdash/widgets/text"
)

const (
	redrawInterval = 250 * time.Millisecond
	maxHistorySize = 120
	maxOrderSlots  = 6
)

// update is one dashboard event: a price tick (orderID empty) or an
// order evaluation.
type update struct {
	product   string
	orderID   string
	price     float64
	direction string
	health    *float64
	status    string
	phase     string
	ts        time.Time
}

// chartMode represents the current view mode of the health chart.
type chartMode int

const (
	modeAll chartMode = iota
	modeSingle
)

// dashboard renders the fleet: one text panel per product, a bar chart
// of current health per tracked order and a line chart of health
// history. Orders discovered in the initial snapshot get chart slots;
// anything beyond still shows in the product panels.
type dashboard struct {
	products []string
	slots    []string // order IDs with a bar, button and chart series

	productText map[string]*text.Text
	healthBars  *barchart.BarChart
	healthChart *linechart.LineChart
	chartBtn    map[string]*button.Button

	updateCh chan update

	chartColors []cell.Color

	mu         sync.RWMutex
	lastTick   map[string]update
	orderEvals map[string]map[string]update // product -> order -> latest eval
	history    map[string][]float64         // slot order -> health series
	lastHealth map[string]float64
	selected   string
	mode       chartMode
}

func newDashboard(products, slots []string) *dashboard {
	return &dashboard{
		products: products,
		slots:    slots,
		chartColors: []cell.Color{
			cell.ColorGreen,
			cell.ColorBlue,
			cell.ColorCyan,
			cell.ColorMagenta,
			cell.ColorYellow,
		},
		productText: make(map[string]*text.Text),
		chartBtn:    make(map[string]*button.Button),
		updateCh:    make(chan update, 1024),
		lastTick:    make(map[string]update),
		orderEvals:  make(map[string]map[string]update),
		history:     make(map[string][]float64),
		lastHealth:  make(map[string]float64),
		mode:        modeAll,
	}
}

func (d *dashboard) initWidgets() error {
	for _, p := range d.products {
		w, err := text.New(text.RollContent(), text.WrapAtWords())
		if err != nil {
			return fmt.Errorf("text widget for %s: %w", p, err)
		}
		d.productText[p] = w
	}

	opts := []barchart.Option{barchart.ShowValues()}
	if len(d.slots) > 0 {
		labels := make([]string, len(d.slots))
		colors := make([]cell.Color, len(d.slots))
		for i, id := range d.slots {
			labels[i] = shortID(id)
			colors[i] = d.chartColors[i%len(d.chartColors)]
		}
		opts = append(opts, barchart.BarColors(colors), barchart.Labels(labels))
	}
	bars, err := barchart.New(opts...)
	if err != nil {
		return fmt.Errorf("bar chart: %w", err)
	}
	d.healthBars = bars

	chart, err := linechart.New(
		linechart.AxesCellOpts(cell.FgColor(cell.ColorRed)),
		linechart.YLabelCellOpts(cell.FgColor(cell.ColorGreen)),
		linechart.XLabelCellOpts(cell.FgColor(cell.ColorGreen)),
	)
	if err != nil {
		return fmt.Errorf("line chart: %w", err)
	}
	d.healthChart = chart

	return d.initChartButtons()
}

func (d *dashboard) initChartButtons() error {
	allButton, err := button.New("All", func() error {
		d.mu.Lock()
		d.mode = modeAll
		d.mu.Unlock()
		return nil
	},
		button.WidthFor("All"),
		button.Height(1),
		button.FillColor(cell.ColorNumber(220)),
	)
	if err != nil {
		return fmt.Errorf("All button: %w", err)
	}
	d.chartBtn["All"] = allButton

	for _, id := range d.slots {
		idCopy := id
		btn, err := button.New(shortID(idCopy), func() error {
			d.mu.Lock()
			d.mode = modeSingle
			d.selected = idCopy
			d.mu.Unlock()
			return nil
		},
			button.WidthFor(shortID(idCopy)),
			button.Height(1),
			button.FillColor(cell.ColorNumber(196)),
		)
		if err != nil {
			return fmt.Errorf("button for %s: %w", shortID(id), err)
		}
		d.chartBtn[idCopy] = btn
	}
	return nil
}

// send queues an update without blocking the caller.
func (d *dashboard) send(u update) {
	select {
	case d.updateCh <- u:
	default: // drop when the redraw loop is behind
	}
}

func (d *dashboard) runUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-d.updateCh:
			d.processUpdate(u)
		}
	}
}

func (d *dashboard) processUpdate(u update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.orderID == "" {
		d.lastTick[u.product] = u
		d.redrawProduct(u.product)
		return
	}

	evals, ok := d.orderEvals[u.product]
	if !ok {
		evals = make(map[string]update)
		d.orderEvals[u.product] = evals
	}
	evals[u.orderID] = u
	d.redrawProduct(u.product)

	if !d.isSlot(u.orderID) || u.health == nil {
		return
	}
	d.lastHealth[u.orderID] = *u.health
	h := d.history[u.orderID]
	if len(h) >= maxHistorySize {
		h = h[1:]
	}
	d.history[u.orderID] = append(h, *u.health)

	d.redrawBars()
	d.redrawHealthChart()
}

func (d *dashboard) isSlot(orderID string) bool {
	for _, id := range d.slots {
		if id == orderID {
			return true
		}
	}
	return false
}

func (d *dashboard) redrawProduct(product string) {
	w, ok := d.productText[product]
	if !ok {
		return
	}
	var b strings.Builder
	if t, ok := d.lastTick[product]; ok {
		fmt.Fprintf(&b, "Price:    %.2f %s\n", t.price, arrow(t.direction))
		fmt.Fprintf(&b, "Updated:  %s\n", t.ts.Format("15:04:05"))
	} else {
		b.WriteString("waiting for ticks...\n")
	}
	if evals := d.orderEvals[product]; len(evals) > 0 {
		b.WriteString("\n")
		for _, id := range sortedOrderIDs(evals) {
			e := evals[id]
			fmt.Fprintf(&b, "%s %-9s %-8s %s\n", shortID(id), e.phase, e.status, healthStr(e.health))
		}
	}
	w.Reset()
	w.Write(b.String())
}

func (d *dashboard) redrawBars() {
	if len(d.slots) == 0 {
		return
	}
	vals := make([]int, len(d.slots))
	for i, id := range d.slots {
		vals[i] = int(d.lastHealth[id])
	}
	d.healthBars.Values(vals, 100)
}

func (d *dashboard) redrawHealthChart() {
	// Clear existing series
	for _, id := range d.slots {
		d.healthChart.Series(shortID(id), []float64{}, linechart.SeriesCellOpts(cell.FgColor(cell.ColorDefault)))
	}

	switch d.mode {
	case modeAll:
		for i, id := range d.slots {
			if h := d.history[id]; len(h) > 0 {
				d.healthChart.Series(shortID(id), h,
					linechart.SeriesCellOpts(cell.FgColor(d.chartColors[i%len(d.chartColors)])))
			}
		}
	case modeSingle:
		for i, id := range d.slots {
			if id != d.selected {
				continue
			}
			if h := d.history[id]; len(h) > 0 {
				d.healthChart.Series(shortID(id), h,
					linechart.SeriesCellOpts(cell.FgColor(d.chartColors[i%len(d.chartColors)])))
			}
		}
	}
}

func buildLayout(d *dashboard) ([]container.Option, error) {
	builder := grid.New()

	prodPerc := 100 / len(d.products)
	if prodPerc >= 100 {
		prodPerc = 99
	}
	var productRow []grid.Element
	for _, p := range d.products {
		productRow = append(productRow,
			grid.ColWidthPerc(prodPerc,
				grid.Widget(d.productText[p],
					container.Border(linestyle.Light),
					container.BorderTitle(fmt.Sprintf(" %s ", p)),
				),
			),
		)
	}

	btnPerc := 100 / (len(d.slots) + 1)
	if btnPerc >= 100 {
		btnPerc = 99
	}
	buttonRow := []grid.Element{
		grid.ColWidthPerc(btnPerc,
			grid.Widget(d.chartBtn["All"], container.Border(linestyle.Light)),
		),
	}
	for _, id := range d.slots {
		buttonRow = append(buttonRow,
			grid.ColWidthPerc(btnPerc,
				grid.Widget(d.chartBtn[id], container.Border(linestyle.Light)),
			),
		)
	}

	builder.Add(
		grid.RowHeightPerc(25, productRow...),
		grid.RowHeightPerc(65,
			grid.ColWidthPerc(50,
				grid.Widget(d.healthBars,
					container.Border(linestyle.Light),
					container.BorderTitle(" Fleet Health "),
				),
			),
			grid.ColWidthPerc(50,
				grid.RowHeightPerc(15, buttonRow...),
				grid.RowHeightPerc(85,
					grid.Widget(d.healthChart,
						container.Border(linestyle.Light),
						container.BorderTitle(" Health History "),
					),
				),
			),
		),
	)
	return builder.Build()
}

// runDashboard owns the terminal until ctx is cancelled or q is pressed.
func runDashboard(ctx context.Context, cancel context.CancelFunc, d *dashboard) error {
	t, err := tcell.New(tcell.ColorMode(terminalapi.ColorMode256))
	if err != nil {
		return fmt.Errorf("terminal init: %w", err)
	}
	defer t.Close()

	gridOpts, err := buildLayout(d)
	if err != nil {
		return fmt.Errorf("grid layout: %w", err)
	}

	c, err := container.New(t, gridOpts...)
	if err != nil {
		return fmt.Errorf("root container: %w", err)
	}

	quitter := func(k *terminalapi.Keyboard) {
		if k.Key == 'q' || k.Key == 'Q' {
			cancel()
		}
	}
	return termdash.Run(ctx, t, c, termdash.KeyboardSubscriber(quitter), termdash.RedrawInterval(redrawInterval))
}

func sortedOrderIDs(m map[string]update) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func arrow(direction string) string {
	switch direction {
	case "UP":
		return "▲"
	case "DOWN":
		return "▼"
	}
	return "·"
}

func healthStr(h *float64) string {
	if h == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *h)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
