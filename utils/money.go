package utils

import "github.com/shopspring/decimal"

// DefaultVATRate is applied to invoice items that carry no explicit rate.
var DefaultVATRate = decimal.RequireFromString("0.20")

// Round2 rounds d to 2 decimal places (half away from zero).
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineTotals prices amount units at unitPrice with rate applied on top of the net price.
func LineTotals(unitPrice decimal.Decimal, amount int, rate decimal.Decimal) (net, tax, gross decimal.Decimal) {
	net = Round2(unitPrice.Mul(decimal.NewFromInt(int64(amount))))
	tax = Round2(net.Mul(rate))
	gross = net.Add(tax)
	return net, tax, gross
}
