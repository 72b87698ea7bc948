package takeprofit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/internal/risk"
	"dca_engine/pkg/tradingutils"
)

// Activation confirmation: any one of these promotes PENDING to ACTIVE
const (
	activationTouches = 3
	activationWait    = 30 * time.Second
)

var (
	activationOvershoot = decimal.RequireFromString("1.002")
	// minProfitFloorRatio keeps the trailing floor near the effective TP
	minProfitFloorRatio = decimal.RequireFromString("0.66")
	// emergencyMargin: below min_profit_price*0.995 we market out
	emergencyMargin = decimal.RequireFromString("0.995")

	atrHighBucket = decimal.RequireFromString("5")
	atrMidBucket  = decimal.RequireFromString("3")
	atrLowBucket  = decimal.RequireFromString("1")

	callbackHighMult = decimal.RequireFromString("2.0")
	callbackMidMult  = decimal.RequireFromString("1.5")
	callbackLowMult  = decimal.RequireFromString("0.7")
)

// Phase is the trailing machine's state tag
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseActive
)

// Decision tells the supervisor what to do after a tick
type Decision int

const (
	DecisionNone Decision = iota
	// DecisionExit replaces the TP with a limit sell at ExitPrice
	DecisionExit
	// DecisionEmergency cancels the TP and market-sells everything
	DecisionEmergency
)

// TickResult is the outcome of feeding one ticker price to the machine
type TickResult struct {
	Decision  Decision
	ExitPrice decimal.Decimal
	Reason    string
}

// Snapshot is the persisted projection of the trailing state
type Snapshot struct {
	Active          bool
	MaxPriceTracked decimal.Decimal
	ActivationPrice decimal.Decimal
	ActivationTime  *time.Time
}

// Trailer runs the trailing TP state machine for one open cycle. It is
// driven solely from the supervisor's ticker loop, so it needs no locking.
type Trailer struct {
	callbackPct  decimal.Decimal
	minProfitPct decimal.Decimal

	avgPrice       decimal.Decimal
	tpPrice        decimal.Decimal
	effectiveTPPct decimal.Decimal

	phase        Phase
	touchCount   int
	firstTouchAt time.Time

	maxPrice        decimal.Decimal
	activationPrice decimal.Decimal
	activationTime  time.Time
	// effective TP at the moment of activation anchors the profit floor
	tpPctAtActivation decimal.Decimal

	atr    *risk.ATRProvider
	dump   *risk.DumpDetector
	symbol string
	logger core.ILogger

	now func() time.Time
}

// NewTrailer builds the machine for a cycle using the bot's trailing config
func NewTrailer(symbol string, callbackPct, minProfitPct decimal.Decimal, atr *risk.ATRProvider, logger core.ILogger) *Trailer {
	return &Trailer{
		callbackPct:  callbackPct,
		minProfitPct: minProfitPct,
		symbol:       symbol,
		atr:          atr,
		dump:         risk.NewDumpDetector(),
		logger:       logger.WithField("component", "trailing_tp"),
		now:          time.Now,
	}
}

// SetTargets refreshes the cycle anchors after a buy fill or TP replacement
func (t *Trailer) SetTargets(avgPrice, tpPrice, effectiveTPPct decimal.Decimal) {
	t.avgPrice = avgPrice
	t.tpPrice = tpPrice
	t.effectiveTPPct = effectiveTPPct
}

// Restore rehydrates persisted trailing state after a restart
func (t *Trailer) Restore(snap Snapshot) {
	if !snap.Active {
		return
	}
	t.phase = PhaseActive
	t.maxPrice = snap.MaxPriceTracked
	t.activationPrice = snap.ActivationPrice
	if snap.ActivationTime != nil {
		t.activationTime = *snap.ActivationTime
	}
	t.tpPctAtActivation = t.effectiveTPPct
}

// Phase exposes the current state tag
func (t *Trailer) Phase() Phase { return t.phase }

// Snapshot projects the machine onto the persisted cycle fields
func (t *Trailer) Snapshot() Snapshot {
	snap := Snapshot{
		Active:          t.phase == PhaseActive,
		MaxPriceTracked: t.maxPrice,
		ActivationPrice: t.activationPrice,
	}
	if !t.activationTime.IsZero() {
		at := t.activationTime
		snap.ActivationTime = &at
	}
	return snap
}

// Reset returns the machine to IDLE for a fresh cycle
func (t *Trailer) Reset() {
	t.phase = PhaseIdle
	t.touchCount = 0
	t.firstTouchAt = time.Time{}
	t.maxPrice = decimal.Zero
	t.activationPrice = decimal.Zero
	t.activationTime = time.Time{}
	t.tpPctAtActivation = decimal.Zero
	t.dump.Reset()
}

// OnTick advances the machine with one ticker price
func (t *Trailer) OnTick(ctx context.Context, price decimal.Decimal) TickResult {
	switch t.phase {
	case PhaseIdle:
		if t.tpPrice.IsPositive() && price.GreaterThanOrEqual(t.tpPrice) {
			t.phase = PhasePending
			t.touchCount = 1
			t.firstTouchAt = t.now()
			t.logger.Debug("TP touched, awaiting confirmation", "symbol", t.symbol, "price", price)
			if t.confirmed(price) {
				t.activate(price)
			}
		}
		return TickResult{Decision: DecisionNone}

	case PhasePending:
		if price.LessThan(t.tpPrice) {
			t.phase = PhaseIdle
			t.touchCount = 0
			t.firstTouchAt = time.Time{}
			return TickResult{Decision: DecisionNone}
		}
		t.touchCount++
		if t.confirmed(price) {
			t.activate(price)
		}
		return TickResult{Decision: DecisionNone}

	case PhaseActive:
		return t.onActiveTick(ctx, price)
	}
	return TickResult{Decision: DecisionNone}
}

func (t *Trailer) confirmed(price decimal.Decimal) bool {
	if t.touchCount >= activationTouches {
		return true
	}
	if price.GreaterThanOrEqual(t.tpPrice.Mul(activationOvershoot)) {
		return true
	}
	return t.now().Sub(t.firstTouchAt) > activationWait
}

func (t *Trailer) activate(price decimal.Decimal) {
	t.phase = PhaseActive
	// An opening gap can put the first tick well above the TP
	t.maxPrice = decimal.Max(t.tpPrice, price)
	t.activationPrice = price
	t.activationTime = t.now()
	t.tpPctAtActivation = t.effectiveTPPct
	t.logger.Info("trailing TP activated",
		"symbol", t.symbol, "price", price, "max_price", t.maxPrice)
}

func (t *Trailer) onActiveTick(ctx context.Context, price decimal.Decimal) TickResult {
	if price.GreaterThan(t.maxPrice) {
		t.maxPrice = price
	}

	minProfitPrice := t.minProfitPrice()

	// Emergency checks run before the normal exit: a dump or a slide
	// under the profit floor means get out at market, now.
	dropPct, dumped := t.dump.Observe(price)
	if dumped {
		t.logger.Warn("dump detected", "symbol", t.symbol, "drop_pct", dropPct, "price", price)
		return TickResult{Decision: DecisionEmergency, Reason: "Dump detected"}
	}
	if minProfitPrice.IsPositive() && price.LessThan(minProfitPrice.Mul(emergencyMargin)) {
		t.logger.Warn("price under profit floor", "symbol", t.symbol,
			"price", price, "min_profit_price", minProfitPrice)
		return TickResult{Decision: DecisionEmergency, Reason: "Price below minimum profit floor"}
	}

	callbackPrice := t.callbackPrice(ctx)
	exitPrice := decimal.Max(callbackPrice, minProfitPrice)
	if price.LessThanOrEqual(exitPrice) {
		return TickResult{Decision: DecisionExit, ExitPrice: exitPrice, Reason: "Trailing callback"}
	}
	return TickResult{Decision: DecisionNone}
}

// callbackPrice scales the configured callback by market volatility and
// applies it below the tracked maximum
func (t *Trailer) callbackPrice(ctx context.Context) decimal.Decimal {
	callback := t.adaptiveCallbackPct(ctx)
	return tradingutils.ApplyPct(t.maxPrice, callback.Neg())
}

func (t *Trailer) adaptiveCallbackPct(ctx context.Context) decimal.Decimal {
	if t.atr == nil {
		return t.callbackPct
	}
	atrPct := t.atr.ATRPct(ctx, t.symbol)
	switch {
	case atrPct.IsZero():
		return t.callbackPct
	case atrPct.GreaterThan(atrHighBucket):
		return t.callbackPct.Mul(callbackHighMult)
	case atrPct.GreaterThan(atrMidBucket):
		return t.callbackPct.Mul(callbackMidMult)
	case atrPct.LessThan(atrLowBucket):
		return t.callbackPct.Mul(callbackLowMult)
	default:
		return t.callbackPct
	}
}

// minProfitPrice floors the exit so trailing never gives back the cycle's
// profit: max(configured min profit, 0.66x the effective TP at activation)
// above the average entry.
func (t *Trailer) minProfitPrice() decimal.Decimal {
	if !t.avgPrice.IsPositive() {
		return decimal.Zero
	}
	floorPct := decimal.Max(t.minProfitPct, minProfitFloorRatio.Mul(t.tpPctAtActivation))
	return tradingutils.ApplyPct(t.avgPrice, floorPct)
}
