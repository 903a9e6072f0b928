package contract

import (
	"github.com/crestfin/lending/pkg/models"
	"github.com/shopspring/decimal"
)

// BorrowingBaseValue computes the certified borrowing base: each collateral
// category advanced at the contract's percentage for that category.
func BorrowingBaseValue(c *models.Contract, cert *models.BorrowingBaseCertification) decimal.Decimal {
	if cert == nil {
		return decimal.Zero
	}
	base := cert.AccountsReceivable.Mul(c.BorrowingBase.AccountsReceivable)
	base = base.Add(cert.Inventory.Mul(c.BorrowingBase.Inventory))
	base = base.Add(cert.Cash.Mul(c.BorrowingBase.Cash))
	return base.Round(2)
}

// EffectiveLimit computes the credit ceiling in force: the lesser of the
// contract's maximum principal amount and the certified borrowing base. With
// no certification on file the contract limit stands alone.
func EffectiveLimit(c *models.Contract, cert *models.BorrowingBaseCertification) decimal.Decimal {
	limit := c.MaximumPrincipal
	if cert == nil {
		return limit
	}
	if base := BorrowingBaseValue(c, cert); base.LessThan(limit) {
		return base
	}
	return limit
}
