package usecase

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Ladder is the live TP/SL state of one pair. Both sides are kept sorted
// highest first.
type Ladder struct {
	TP []decimal.Decimal
	SL []decimal.Decimal
}

func (l Ladder) Clone() Ladder {
	return Ladder{
		TP: append([]decimal.Decimal(nil), l.TP...),
		SL: append([]decimal.Decimal(nil), l.SL...),
	}
}

func (l Ladder) Empty() bool {
	return len(l.TP) == 0 && len(l.SL) == 0
}

func indexOfPrice(levels []decimal.Decimal, price decimal.Decimal) int {
	for i, p := range levels {
		if p.Equal(price) {
			return i
		}
	}
	return -1
}

// matchTakeProfit returns the first level the price reached or passed.
func matchTakeProfit(levels []decimal.Decimal, price decimal.Decimal) int {
	for i, l := range levels {
		if price.GreaterThanOrEqual(l) {
			return i
		}
	}
	return -1
}

// matchStopLoss returns the first level the price fell to or through.
func matchStopLoss(levels []decimal.Decimal, price decimal.Decimal) int {
	for i, l := range levels {
		if price.LessThanOrEqual(l) {
			return i
		}
	}
	return -1
}

// Matches reports whether a fill at price would consume a level.
func (l Ladder) Matches(price decimal.Decimal) bool {
	return matchTakeProfit(l.TP, price) >= 0 || matchStopLoss(l.SL, price) >= 0
}

func removeAt(levels []decimal.Decimal, i int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(levels)-1)
	out = append(out, levels[:i]...)
	return append(out, levels[i+1:]...)
}

// sortDescending returns a de-duplicated copy of levels, highest first.
func sortDescending(levels []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(levels))
	for _, p := range levels {
		if indexOfPrice(out, p) < 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GreaterThan(out[j]) })
	return out
}

type FillKind string

const (
	FillIgnored            FillKind = "ignored"
	FillTakeProfit         FillKind = "take_profit"
	FillTerminalTakeProfit FillKind = "terminal_take_profit"
	FillStopLoss           FillKind = "stop_loss"
)

type CommandKind string

const (
	CmdCancelBuy CommandKind = "cancel_buy"
	CmdPlaceBuy  CommandKind = "place_buy"
	CmdPlaceSell CommandKind = "place_sell"
)

// Command is an exchange side effect produced by a ladder transition.
// Buys are sized by Spend (quote), sells by Quantity (base).
type Command struct {
	Kind     CommandKind
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Spend    decimal.Decimal
}

// LadderParams are the sizing inputs of a transition.
type LadderParams struct {
	Amount          decimal.Decimal
	SLBufferPercent float64
	ReboundPercent  float64
	TickSize        decimal.Decimal
}

// Funds are the free balances observed when the fill was processed.
type Funds struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
}

// Transition is the outcome of applying one fill to a ladder.
type Transition struct {
	Kind     FillKind
	Level    decimal.Decimal
	Next     Ladder
	Commands []Command
}

// ApplyFill consumes at most one level: the first TP at or below price, or
// failing that the first SL at or above price. New rungs are derived from the
// consumed level, not from the fill price. The input ladder is never modified.
func ApplyFill(state Ladder, price decimal.Decimal, p LadderParams, f Funds) Transition {
	next := state.Clone()

	if i := matchTakeProfit(next.TP, price); i >= 0 {
		level := next.TP[i]
		next.TP = removeAt(next.TP, i)
		if len(next.TP) == 0 {
			return Transition{Kind: FillTerminalTakeProfit, Level: level, Next: next}
		}
		t := Transition{Kind: FillTakeProfit, Level: level, Next: next}
		if f.Quote.LessThan(p.Amount) {
			return t
		}
		newSL := RoundToTick(percentDown(level, p.SLBufferPercent), p.TickSize)
		if indexOfPrice(next.SL, newSL) >= 0 {
			return t
		}
		if n := len(next.SL); n > 0 {
			lowest := next.SL[n-1]
			next.SL = next.SL[:n-1]
			t.Commands = append(t.Commands, Command{Kind: CmdCancelBuy, Price: lowest})
		}
		next.SL = sortDescending(append(next.SL, newSL))
		t.Commands = append(t.Commands, Command{Kind: CmdPlaceBuy, Price: newSL, Spend: p.Amount})
		t.Next = next
		return t
	}

	if i := matchStopLoss(next.SL, price); i >= 0 {
		level := next.SL[i]
		next.SL = removeAt(next.SL, i)
		t := Transition{Kind: FillStopLoss, Level: level}
		if f.Base.IsPositive() {
			newTP := RoundToTick(percentUp(level, p.ReboundPercent), p.TickSize)
			next.TP = sortDescending(append(next.TP, newTP))
			t.Commands = append(t.Commands, Command{Kind: CmdPlaceSell, Price: newTP, Quantity: f.Base})
		}
		if f.Quote.GreaterThanOrEqual(p.Amount) {
			newSL := RoundToTick(percentDown(level, p.SLBufferPercent), p.TickSize)
			if indexOfPrice(next.SL, newSL) < 0 {
				next.SL = sortDescending(append(next.SL, newSL))
				t.Commands = append(t.Commands, Command{Kind: CmdPlaceBuy, Price: newSL, Spend: p.Amount})
			}
		}
		t.Next = next
		return t
	}

	return Transition{Kind: FillIgnored, Level: price, Next: next}
}
