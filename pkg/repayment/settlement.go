package repayment

import (
	"time"

	"github.com/crestfin/lending/pkg/contract"
	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransactionInput is a human-reviewed application of part of a payment to
// one loan.
type TransactionInput struct {
	LoanID      uuid.UUID       `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	ToPrincipal decimal.Decimal `json:"to_principal"`
	ToInterest  decimal.Decimal `json:"to_interest"`
	ToFees      decimal.Decimal `json:"to_fees"`
}

// SettleRequest is a finalized settlement.
type SettleRequest struct {
	CompanyID            string
	PaymentID            uuid.UUID
	Amount               decimal.Decimal
	DepositDate          time.Time
	SettlementDate       time.Time
	LoanIDs              []uuid.UUID
	ToAccountFees        decimal.Decimal
	TransactionInputs    []TransactionInput
	AmountAsCreditToUser decimal.Decimal
	SettledBy            string
}

// Settle applies a finalized set of transactions atomically. All
// preconditions fail fast with no mutation; a concurrent duplicate attempt is
// rejected by the already-settled guard rather than a lock. Returns the IDs
// of the created transactions.
func (e *Engine) Settle(req SettleRequest) ([]uuid.UUID, error) {
	payment, err := e.storage.GetPayment(req.PaymentID)
	if err != nil {
		return nil, faults.Wrap(faults.Validation, "payment not found", err)
	}
	if payment.CompanyID != req.CompanyID {
		return nil, faults.New(faults.Validation, "payment does not belong to this company")
	}
	if payment.Settled() {
		return nil, faults.Newf(faults.AlreadySettled, "payment %s is already settled", payment.ID)
	}
	if payment.Type != models.PaymentTypeRepayment {
		return nil, faults.Newf(faults.Validation, "payment %s is not a repayment", payment.ID)
	}
	if dates.Day(req.SettlementDate).Before(dates.Day(req.DepositDate)) {
		return nil, faults.New(faults.Validation, "settlement date precedes deposit date")
	}
	if len(req.TransactionInputs) != len(req.LoanIDs) {
		return nil, faults.Newf(faults.Validation,
			"transaction count %d does not match loan count %d",
			len(req.TransactionInputs), len(req.LoanIDs))
	}

	total := req.ToAccountFees.Add(req.AmountAsCreditToUser)
	for _, in := range req.TransactionInputs {
		split := in.ToPrincipal.Add(in.ToInterest).Add(in.ToFees)
		if !in.Amount.Round(2).Equal(split.Round(2)) {
			return nil, faults.Newf(faults.Validation,
				"transaction for loan %s: amount %s does not equal its principal/interest/fee split %s",
				in.LoanID, in.Amount, split)
		}
		total = total.Add(in.Amount)
	}
	if !total.Round(2).Equal(req.Amount.Round(2)) {
		return nil, faults.Newf(faults.Validation,
			"transaction amounts sum to %s but the payment settles %s", total, req.Amount)
	}

	contracts, err := e.storage.GetContractsByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load contracts", err)
	}
	con := contract.ResolveAsOf(contracts, req.SettlementDate)
	if con == nil {
		return nil, faults.Newf(faults.Validation, "no contract governs company %s", req.CompanyID)
	}
	companyLoans, err := e.storage.GetOpenLoansByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load loans", err)
	}

	// Line-of-credit settlements carry caller-authored splits; recompute the
	// categories and reject any drift rather than partially allocating.
	if con.ProductType == models.ProductLineOfCredit {
		if err := e.checkSplitsAgainstRecomputation(req, companyLoans); err != nil {
			return nil, err
		}
	}

	loansByID := make(map[uuid.UUID]*models.Loan, len(companyLoans))
	for _, l := range companyLoans {
		loansByID[l.ID] = l
	}

	now := time.Now()
	var (
		txs     []*models.Transaction
		updated []*models.Loan
		ids     []uuid.UUID
	)
	for i, in := range req.TransactionInputs {
		loan, ok := loansByID[req.LoanIDs[i]]
		if !ok || loan.ID != in.LoanID {
			return nil, faults.Newf(faults.Validation, "transaction %d does not match selected loan", i)
		}

		newPrincipal := loan.OutstandingPrincipal.Sub(in.ToPrincipal)
		if newPrincipal.IsNegative() {
			return nil, faults.New(faults.InvariantViolation, "Principal on a loan may not be negative.")
		}
		newInterest := loan.OutstandingInterest.Sub(in.ToInterest)
		if newInterest.IsNegative() && newPrincipal.IsPositive() {
			return nil, faults.New(faults.InvariantViolation,
				"Interest on a loan may not be negative unless its principal is paid off in the same transaction.")
		}
		newFees := loan.OutstandingFees.Sub(in.ToFees)

		loan.OutstandingPrincipal = newPrincipal
		loan.OutstandingInterest = newInterest
		loan.OutstandingFees = newFees
		if !newPrincipal.IsPositive() && !newInterest.IsPositive() && !newFees.IsPositive() {
			loan.PaymentStatus = models.PaymentStatusClosed
		} else {
			loan.PaymentStatus = models.PaymentStatusPartiallyPaid
		}
		loan.UpdatedAt = now
		updated = append(updated, loan)

		loanID := loan.ID
		tx := &models.Transaction{
			ID:            uuid.New(),
			PaymentID:     payment.ID,
			LoanID:        &loanID,
			Type:          models.TransactionTypeRepayment,
			Amount:        in.Amount,
			ToPrincipal:   in.ToPrincipal,
			ToInterest:    in.ToInterest,
			ToFees:        in.ToFees,
			DepositDate:   dates.Day(req.DepositDate),
			EffectiveDate: dates.Day(req.SettlementDate),
			CreatedAt:     now,
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID)
	}

	if req.ToAccountFees.IsPositive() {
		tx := &models.Transaction{
			ID:            uuid.New(),
			PaymentID:     payment.ID,
			Type:          models.TransactionTypeRepayment,
			Amount:        req.ToAccountFees,
			ToFees:        req.ToAccountFees,
			DepositDate:   dates.Day(req.DepositDate),
			EffectiveDate: dates.Day(req.SettlementDate),
			CreatedAt:     now,
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID)
	}

	// Overpayment becomes a standalone credit transaction, never negative
	// principal on a loan.
	if req.AmountAsCreditToUser.IsPositive() {
		tx := &models.Transaction{
			ID:            uuid.New(),
			PaymentID:     payment.ID,
			Type:          models.TransactionTypeCredit,
			Amount:        req.AmountAsCreditToUser,
			DepositDate:   dates.Day(req.DepositDate),
			EffectiveDate: dates.Day(req.SettlementDate),
			CreatedAt:     now,
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID)
	}

	payment.Amount = req.Amount
	payment.DepositDate = dates.Day(req.DepositDate)
	payment.SettlementDate = dates.Day(req.SettlementDate)
	payment.SettledAt = &now
	payment.SettledBy = req.SettledBy

	if err := e.storage.ApplySettlement(payment, txs, updated); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "apply settlement", err)
	}

	e.logger.Info("payment settled",
		zap.String("company_id", req.CompanyID),
		zap.String("payment_id", payment.ID.String()),
		zap.String("amount", req.Amount.String()),
		zap.Int("transactions", len(txs)),
	)
	return ids, nil
}

// checkSplitsAgainstRecomputation recomputes the category amounts for the
// settlement and rejects caller splits that disagree with them.
func (e *Engine) checkSplitsAgainstRecomputation(req SettleRequest, companyLoans []*models.Loan) error {
	loanAmount := decimal.Zero
	for _, in := range req.TransactionInputs {
		loanAmount = loanAmount.Add(in.Amount)
	}
	effect, err := e.CalculateEffect(EffectRequest{
		CompanyID:      req.CompanyID,
		PaymentOption:  CustomAmount,
		Amount:         loanAmount.Add(req.ToAccountFees).Add(req.AmountAsCreditToUser),
		DepositDate:    req.DepositDate,
		SettlementDate: req.SettlementDate,
		LoanIDs:        req.LoanIDs,
		ToAccountFees:  req.ToAccountFees,
	})
	if err != nil {
		return err
	}
	for i, in := range req.TransactionInputs {
		want := effect.LoansToShow[i].Transaction
		if !in.ToPrincipal.Round(2).Equal(want.ToPrincipal.Round(2)) ||
			!in.ToInterest.Round(2).Equal(want.ToInterest.Round(2)) ||
			!in.ToFees.Round(2).Equal(want.ToFees.Round(2)) {
			return faults.Newf(faults.Validation,
				"supplied split for loan %s is inconsistent with the recomputed amounts", in.LoanID)
		}
	}
	return nil
}
