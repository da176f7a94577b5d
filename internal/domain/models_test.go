package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "AAPL", NormalizeSymbol("aapl"))
	assert.Equal(t, "AAPL", NormalizeSymbol("  AaPl \t"))
	assert.Equal(t, "BRK.B", NormalizeSymbol("brk.b"))
	assert.Equal(t, "", NormalizeSymbol("   "))
}

func TestCustodianHasCapability(t *testing.T) {
	c := Custodian{
		Slug:         "plaid",
		Capabilities: []CustodianCapability{CapabilityReadBalance, CapabilityReadHoldings},
	}
	assert.True(t, c.HasCapability(CapabilityReadBalance))
	assert.True(t, c.HasCapability(CapabilityReadHoldings))
	assert.False(t, c.HasCapability(CapabilityTrade))
	assert.False(t, c.HasCapability(CapabilityReadTransactions))
}

func TestAccountKindHoldsSecurities(t *testing.T) {
	assert.True(t, AccountKindInvestment.HoldsSecurities())
	assert.True(t, AccountKindRetirement.HoldsSecurities())
	assert.False(t, AccountKindChecking.HoldsSecurities())
	assert.False(t, AccountKindSavings.HoldsSecurities())
	assert.False(t, AccountKindCredit.HoldsSecurities())
	assert.False(t, AccountKindLoan.HoldsSecurities())
	assert.False(t, AccountKindMortgage.HoldsSecurities())
}

func TestHoldingReprice(t *testing.T) {
	h := Holding{
		Symbol:    "VTI",
		Quantity:  decimal.NewFromInt(10),
		UnitPrice: decimal.NewFromInt(200),
		CostBasis: decimal.NewFromInt(1800),
	}
	at := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	h.Reprice(decimal.NewFromFloat(220.50), at)

	assert.True(t, h.UnitPrice.Equal(decimal.NewFromFloat(220.50)))
	assert.True(t, h.MarketValue.Equal(decimal.NewFromFloat(2205)))
	assert.True(t, h.UnrealizedPL.Equal(decimal.NewFromFloat(405)))
	assert.Equal(t, at, h.LastUpdated)
}

func TestStrategyValidateWeights(t *testing.T) {
	ok := Strategy{
		Name: "60/40",
		Holdings: []StrategyHolding{
			{Symbol: "VTI", TargetWeight: decimal.NewFromFloat(0.6)},
			{Symbol: "BND", TargetWeight: decimal.NewFromFloat(0.4)},
		},
	}
	assert.NoError(t, ok.ValidateWeights())

	// Weights below 1 in total leave an implicit cash remainder.
	partial := Strategy{
		Holdings: []StrategyHolding{
			{Symbol: "VTI", TargetWeight: decimal.NewFromFloat(0.5)},
		},
	}
	assert.NoError(t, partial.ValidateWeights())

	over := Strategy{
		Holdings: []StrategyHolding{
			{Symbol: "VTI", TargetWeight: decimal.NewFromFloat(0.7)},
			{Symbol: "BND", TargetWeight: decimal.NewFromFloat(0.4)},
		},
	}
	err := over.ValidateWeights()
	assert.Error(t, err)
	assert.Equal(t, CodeInvalidStrategy, CodeOf(err))

	negative := Strategy{
		Holdings: []StrategyHolding{
			{Symbol: "VTI", TargetWeight: decimal.NewFromFloat(-0.1)},
		},
	}
	assert.Error(t, negative.ValidateWeights())

	tooBig := Strategy{
		Holdings: []StrategyHolding{
			{Symbol: "VTI", TargetWeight: decimal.NewFromFloat(1.2)},
		},
	}
	assert.Error(t, tooBig.ValidateWeights())
}
