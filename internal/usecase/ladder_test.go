package usecase_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_grid_ladder/internal/usecase"
)

var params = usecase.LadderParams{
	Amount:          d("10"),
	SLBufferPercent: 1,
	ReboundPercent:  1,
	TickSize:        d("0.01"),
}

func ladder(tp, sl []string) usecase.Ladder {
	var l usecase.Ladder
	for _, p := range tp {
		l.TP = append(l.TP, d(p))
	}
	for _, p := range sl {
		l.SL = append(l.SL, d(p))
	}
	return l
}

func TestApplyFill_Ignored(t *testing.T) {
	state := ladder([]string{"101"}, []string{"99"})
	tr := usecase.ApplyFill(state, d("100"), params, usecase.Funds{Base: d("1"), Quote: d("100")})
	assert.Equal(t, usecase.FillIgnored, tr.Kind)
	assert.Empty(t, tr.Commands)
	assert.Equal(t, strs(state.TP), strs(tr.Next.TP))
}

func TestApplyFill_TerminalTakeProfit(t *testing.T) {
	state := ladder([]string{"101"}, []string{"99", "98.01"})
	tr := usecase.ApplyFill(state, d("101"), params, usecase.Funds{Quote: d("100")})
	assert.Equal(t, usecase.FillTerminalTakeProfit, tr.Kind)
	assert.Empty(t, tr.Next.TP)
	assert.Empty(t, tr.Commands)
}

func TestApplyFill_TakeProfitRollsLowestStopLoss(t *testing.T) {
	state := ladder([]string{"101", "99.99"}, []string{"98.01", "97.03"})
	tr := usecase.ApplyFill(state, d("99.99"), params, usecase.Funds{Quote: d("50")})

	assert.Equal(t, usecase.FillTakeProfit, tr.Kind)
	assert.Equal(t, []string{"101"}, strs(tr.Next.TP))
	assert.Equal(t, []string{"98.99", "98.01"}, strs(tr.Next.SL))
	require.Len(t, tr.Commands, 2)
	assert.Equal(t, usecase.CmdCancelBuy, tr.Commands[0].Kind)
	assert.Equal(t, "97.03", tr.Commands[0].Price.String())
	assert.Equal(t, usecase.CmdPlaceBuy, tr.Commands[1].Kind)
	assert.Equal(t, "98.99", tr.Commands[1].Price.String())
	assert.Equal(t, "10", tr.Commands[1].Spend.String())

	// input untouched
	assert.Equal(t, []string{"101", "99.99"}, strs(state.TP))
}

func TestApplyFill_TakeProfitWithoutQuote(t *testing.T) {
	state := ladder([]string{"101", "99.99"}, []string{"98.01"})
	tr := usecase.ApplyFill(state, d("99.99"), params, usecase.Funds{Quote: d("9")})
	assert.Equal(t, usecase.FillTakeProfit, tr.Kind)
	assert.Equal(t, []string{"98.01"}, strs(tr.Next.SL))
	assert.Empty(t, tr.Commands)
}

func TestApplyFill_TakeProfitDuplicateStopLoss(t *testing.T) {
	state := ladder([]string{"101", "99"}, []string{"98.01", "97.03"})
	tr := usecase.ApplyFill(state, d("99"), params, usecase.Funds{Quote: d("50")})
	assert.Equal(t, []string{"98.01", "97.03"}, strs(tr.Next.SL))
	assert.Empty(t, tr.Commands)
}

func TestApplyFill_StopLoss(t *testing.T) {
	state := ladder([]string{"101"}, []string{"99", "98.01", "97.03"})
	tr := usecase.ApplyFill(state, d("99"), params, usecase.Funds{Base: d("0.1"), Quote: d("50")})

	assert.Equal(t, usecase.FillStopLoss, tr.Kind)
	assert.Equal(t, []string{"101", "99.99"}, strs(tr.Next.TP))
	// 99 * 0.99 = 98.01 is already a rung
	assert.Equal(t, []string{"98.01", "97.03"}, strs(tr.Next.SL))
	require.Len(t, tr.Commands, 1)
	assert.Equal(t, usecase.CmdPlaceSell, tr.Commands[0].Kind)
	assert.Equal(t, "99.99", tr.Commands[0].Price.String())
	assert.Equal(t, "0.1", tr.Commands[0].Quantity.String())
}

func TestApplyFill_StopLossWithoutBase(t *testing.T) {
	state := ladder([]string{"101"}, []string{"97.03"})
	tr := usecase.ApplyFill(state, d("97.03"), params, usecase.Funds{Base: decimal.Zero, Quote: d("50")})

	assert.Equal(t, usecase.FillStopLoss, tr.Kind)
	assert.Equal(t, []string{"101"}, strs(tr.Next.TP))
	assert.Equal(t, []string{"96.06"}, strs(tr.Next.SL))
	require.Len(t, tr.Commands, 1)
	assert.Equal(t, usecase.CmdPlaceBuy, tr.Commands[0].Kind)
	assert.Equal(t, "96.06", tr.Commands[0].Price.String())
}

func TestApplyFill_TakeProfitCheckedFirst(t *testing.T) {
	state := ladder([]string{"101", "100"}, []string{"100", "99"})
	tr := usecase.ApplyFill(state, d("100"), params, usecase.Funds{Quote: decimal.Zero})
	assert.Equal(t, usecase.FillTakeProfit, tr.Kind)
	assert.Equal(t, []string{"101"}, strs(tr.Next.TP))
	assert.Equal(t, []string{"100", "99"}, strs(tr.Next.SL))
}

func TestApplyFill_ConsumesOneMatch(t *testing.T) {
	state := ladder([]string{"105", "101"}, nil)
	tr := usecase.ApplyFill(state, d("106"), params, usecase.Funds{})
	assert.Equal(t, "105", tr.Level.String())
	assert.Equal(t, []string{"101"}, strs(tr.Next.TP))
}

func TestApplyFill_TakeProfitThreshold(t *testing.T) {
	state := ladder([]string{"101", "100.5"}, []string{"99", "98.01", "97.03"})
	tr := usecase.ApplyFill(state, d("100.6"), params, usecase.Funds{Quote: d("50")})

	assert.Equal(t, usecase.FillTakeProfit, tr.Kind)
	assert.Equal(t, "100.5", tr.Level.String())
	assert.Equal(t, []string{"101"}, strs(tr.Next.TP))
	// new SL comes from the consumed level: 100.5 * 0.99
	assert.Equal(t, []string{"99.5", "99", "98.01"}, strs(tr.Next.SL))
	require.Len(t, tr.Commands, 2)
	assert.Equal(t, "97.03", tr.Commands[0].Price.String())
	assert.Equal(t, "99.5", tr.Commands[1].Price.String())

	tr = usecase.ApplyFill(state, d("100.4"), params, usecase.Funds{Quote: d("50")})
	assert.Equal(t, usecase.FillIgnored, tr.Kind)
}

func TestApplyFill_StopLossThreshold(t *testing.T) {
	state := ladder([]string{"101", "100.5"}, []string{"99", "98.01", "97.03"})
	tr := usecase.ApplyFill(state, d("98.9"), params, usecase.Funds{Base: d("0.1"), Quote: d("50")})

	assert.Equal(t, usecase.FillStopLoss, tr.Kind)
	assert.Equal(t, "99", tr.Level.String())
	assert.Equal(t, []string{"101", "100.5", "99.99"}, strs(tr.Next.TP))
	assert.Equal(t, []string{"98.01", "97.03"}, strs(tr.Next.SL))
	require.Len(t, tr.Commands, 1)
	assert.Equal(t, usecase.CmdPlaceSell, tr.Commands[0].Kind)
	assert.Equal(t, "99.99", tr.Commands[0].Price.String())
}

func TestApplyFill_NewTakeProfitKeepsOrder(t *testing.T) {
	state := ladder([]string{"99.5"}, []string{"99"})
	tr := usecase.ApplyFill(state, d("99"), params, usecase.Funds{Base: d("0.1")})
	assert.Equal(t, []string{"99.99", "99.5"}, strs(tr.Next.TP))
}

// Every TP either gets consumed or stays, and every SL fill with base adds one.
func TestApplyFill_DecreasingFillsConserveTakeProfits(t *testing.T) {
	state := ladder([]string{"110"}, []string{"99", "98.01", "97.03"})
	funds := usecase.Funds{Base: d("0.1"), Quote: d("5")}
	promotions := 0
	for _, p := range []string{"99", "98.01", "97.03"} {
		tr := usecase.ApplyFill(state, d(p), params, funds)
		require.Equal(t, usecase.FillStopLoss, tr.Kind)
		promotions++
		state = tr.Next
	}
	assert.Len(t, state.TP, 1+promotions)
	assert.Empty(t, state.SL)
}
