// Package repayment computes how a single payment is applied across one or
// more loans (the allocation waterfall) and applies finalized transactions
// atomically (settlement). Allocation is a quote: it proposes transactions
// without mutating anything.
package repayment

import (
	"time"

	"github.com/crestfin/lending/pkg/accrual"
	"github.com/crestfin/lending/pkg/contract"
	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/crestfin/lending/pkg/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentOption selects the allocation mode.
type PaymentOption string

const (
	CustomAmount  PaymentOption = "custom_amount"
	PayMinimumDue PaymentOption = "pay_minimum_due"
	PayInFull     PaymentOption = "pay_in_full"
)

// EffectRequest describes a proposed repayment.
type EffectRequest struct {
	CompanyID      string
	PaymentOption  PaymentOption
	Amount         decimal.Decimal
	DepositDate    time.Time
	SettlementDate time.Time
	// LoanIDs are the loans covered, in the order the payment spills across
	// them (typically ascending maturity).
	LoanIDs       []uuid.UUID
	ToAccountFees decimal.Decimal
	// ShouldPayPrincipalFirst flips the intra-loan waterfall from
	// interest→fees→principal to principal→interest→fees.
	ShouldPayPrincipalFirst bool
}

// Balances is a loan's position at a point in time.
type Balances struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Fees      decimal.Decimal `json:"fees"`
}

// Total is the full payoff amount for the position.
func (b Balances) Total() decimal.Decimal {
	return b.Principal.Add(b.Interest).Add(b.Fees)
}

// LoanEffect is the proposed application of the payment to one loan.
type LoanEffect struct {
	LoanID            uuid.UUID          `json:"loan_id"`
	Transaction       models.Transaction `json:"transaction"`
	BeforeLoanBalance Balances           `json:"before_loan_balance"`
	AfterLoanBalance  Balances           `json:"after_loan_balance"`
}

// Effect is the full allocation result.
type Effect struct {
	AmountToPay                decimal.Decimal `json:"amount_to_pay"`
	AmountToAccountFees        decimal.Decimal `json:"amount_to_account_fees"`
	AmountAsCreditToUser       decimal.Decimal `json:"amount_as_credit_to_user"`
	LoansToShow                []LoanEffect    `json:"loans_to_show"`
	LoansPastDueButNotSelected []uuid.UUID     `json:"loans_past_due_but_not_selected"`
}

// Engine computes repayment allocations and settlements.
type Engine struct {
	storage store.Storage
	logger  *zap.Logger
}

// NewEngine creates an Engine. A nil logger is replaced with a no-op.
func NewEngine(s store.Storage, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{storage: s, logger: logger}
}

// CalculateEffect produces the proposed per-loan transactions for a payment
// plus any residual credited to the user. Money is conserved: the sum of
// transaction amounts, account fees and user credit equals the amount to pay
// to the cent.
func (e *Engine) CalculateEffect(req EffectRequest) (*Effect, error) {
	if err := e.validateEffectRequest(&req); err != nil {
		return nil, err
	}

	contracts, err := e.storage.GetContractsByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load contracts", err)
	}
	companyLoans, err := e.storage.GetOpenLoansByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load loans", err)
	}
	// Volume thresholds count every loan ever funded under the contract, so
	// the lookup set includes closed loans even though only open ones are
	// eligible for the payment.
	allLoans, err := e.storage.GetLoansByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load loans", err)
	}

	selected, err := selectLoans(companyLoans, req.LoanIDs)
	if err != nil {
		return nil, err
	}

	effect := &Effect{
		AmountToAccountFees:        req.ToAccountFees,
		LoansPastDueButNotSelected: pastDueNotSelected(companyLoans, req.LoanIDs, req.DepositDate),
	}

	// The balance basis per loan depends on the mode: payoffs are quoted
	// through the settlement date, minimum-due through the deposit date.
	targets := make([]Balances, len(selected))
	for i, loan := range selected {
		con := contract.ResolveAsOf(contracts, req.SettlementDate)
		if con == nil {
			return nil, faults.Newf(faults.Validation, "no contract governs company %s", req.CompanyID)
		}
		asOf := dates.Day(req.SettlementDate)
		if req.PaymentOption == PayMinimumDue {
			asOf = dates.Day(req.DepositDate)
		}
		bal, err := e.projectBalances(loan, con, allLoans, asOf)
		if err != nil {
			return nil, err
		}
		if req.PaymentOption == PayMinimumDue && loan.DaysOverdue(req.DepositDate) == 0 {
			// Only what keeps the loan current: accrued interest and fees.
			bal.Principal = decimal.Zero
		}
		targets[i] = bal
	}

	pool := decimal.Zero
	switch req.PaymentOption {
	case CustomAmount:
		pool = req.Amount.Sub(req.ToAccountFees)
		if pool.IsNegative() {
			return nil, faults.New(faults.Validation, "account fees exceed the payment amount")
		}
		effect.AmountToPay = req.Amount
	case PayInFull, PayMinimumDue:
		for _, t := range targets {
			pool = pool.Add(t.Total())
		}
		effect.AmountToPay = pool.Add(req.ToAccountFees)
	}

	for i, loan := range selected {
		tx, after := applyWaterfall(loan, targets[i], &pool, req)
		effect.LoansToShow = append(effect.LoansToShow, LoanEffect{
			LoanID:            loan.ID,
			Transaction:       tx,
			BeforeLoanBalance: targets[i],
			AfterLoanBalance:  after,
		})
	}

	// Never silently drop a remainder.
	effect.AmountAsCreditToUser = pool

	e.logger.Debug("repayment effect computed",
		zap.String("company_id", req.CompanyID),
		zap.String("option", string(req.PaymentOption)),
		zap.String("amount_to_pay", effect.AmountToPay.String()),
		zap.String("credit_to_user", effect.AmountAsCreditToUser.String()),
	)
	return effect, nil
}

func (e *Engine) validateEffectRequest(req *EffectRequest) error {
	switch req.PaymentOption {
	case CustomAmount:
		if !req.Amount.IsPositive() {
			return faults.New(faults.Validation, "custom amount must be positive")
		}
	case PayInFull, PayMinimumDue:
	default:
		return faults.Newf(faults.Validation, "unknown payment option %q", req.PaymentOption)
	}
	if req.DepositDate.IsZero() || req.SettlementDate.IsZero() {
		return faults.New(faults.Validation, "deposit and settlement dates are required")
	}
	if dates.Day(req.SettlementDate).Before(dates.Day(req.DepositDate)) {
		return faults.New(faults.Validation, "settlement date precedes deposit date")
	}
	if len(req.LoanIDs) == 0 && !req.ToAccountFees.IsPositive() {
		return faults.New(faults.Validation, "no loans selected")
	}
	if req.ToAccountFees.IsNegative() {
		return faults.New(faults.Validation, "account fees may not be negative")
	}
	return nil
}

// projectBalances folds the loan from origination through asOf using its
// settled transactions, yielding its position on that day. The fold is pure
// and deterministic, so a quote never depends on how far the nightly update
// has progressed.
func (e *Engine) projectBalances(loan *models.Loan, con *models.Contract, volumeLoans []*models.Loan, asOf time.Time) (Balances, error) {
	txs, err := e.storage.GetTransactionsForLoan(loan.ID)
	if err != nil {
		return Balances{}, faults.Wrap(faults.FatalComputation, "load loan transactions", err)
	}
	sched := contract.NewSchedule(con)
	state := accrual.LoanState{
		OutstandingPrincipal: loan.Principal,
		ForInterestPrincipal: loan.Principal,
	}
	from := dates.Day(loan.OriginationDate)
	to := dates.Day(asOf)
	for date := from; !date.After(to); date = dates.AddDays(date, 1) {
		delta, err := accrual.AdvanceDay(state, loan, accrual.Day{
			Date:         date,
			Schedule:     sched,
			ThresholdMet: contract.VolumeThresholdMetBefore(con, volumeLoans, date),
			Transactions: txs,
		})
		if err != nil {
			return Balances{}, err
		}
		state = delta.State
	}
	return Balances{
		Principal: state.OutstandingPrincipal,
		Interest:  state.OutstandingInterest,
		Fees:      state.OutstandingFees,
	}, nil
}

// applyWaterfall drains the pool into one loan in the fixed category order
// and returns the proposed transaction plus the post-application position.
func applyWaterfall(loan *models.Loan, before Balances, pool *decimal.Decimal, req EffectRequest) (models.Transaction, Balances) {
	take := func(owed decimal.Decimal) decimal.Decimal {
		if !owed.IsPositive() || !pool.IsPositive() {
			return decimal.Zero
		}
		amt := decimal.Min(owed, *pool)
		*pool = pool.Sub(amt)
		return amt
	}

	var toPrincipal, toInterest, toFees decimal.Decimal
	if req.ShouldPayPrincipalFirst {
		toPrincipal = take(before.Principal)
		toInterest = take(before.Interest)
		toFees = take(before.Fees)
	} else {
		toInterest = take(before.Interest)
		toFees = take(before.Fees)
		toPrincipal = take(before.Principal)
	}

	loanID := loan.ID
	tx := models.Transaction{
		ID:            uuid.New(),
		LoanID:        &loanID,
		Type:          models.TransactionTypeRepayment,
		Amount:        toPrincipal.Add(toInterest).Add(toFees),
		ToPrincipal:   toPrincipal,
		ToInterest:    toInterest,
		ToFees:        toFees,
		DepositDate:   dates.Day(req.DepositDate),
		EffectiveDate: dates.Day(req.SettlementDate),
	}
	after := Balances{
		Principal: before.Principal.Sub(toPrincipal),
		Interest:  before.Interest.Sub(toInterest),
		Fees:      before.Fees.Sub(toFees),
	}
	return tx, after
}

// selectLoans resolves the requested IDs against the company's open loans,
// preserving caller order.
func selectLoans(companyLoans []*models.Loan, ids []uuid.UUID) ([]*models.Loan, error) {
	byID := make(map[uuid.UUID]*models.Loan, len(companyLoans))
	for _, l := range companyLoans {
		byID[l.ID] = l
	}
	selected := make([]*models.Loan, 0, len(ids))
	for _, id := range ids {
		loan, ok := byID[id]
		if !ok {
			return nil, faults.Newf(faults.Validation, "loan %s is not an open loan of this company", id)
		}
		selected = append(selected, loan)
	}
	return selected, nil
}

// pastDueNotSelected reports loans already past maturity as of the deposit
// date that the caller left out of the payment.
func pastDueNotSelected(companyLoans []*models.Loan, ids []uuid.UUID, depositDate time.Time) []uuid.UUID {
	selected := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}
	var out []uuid.UUID
	for _, l := range companyLoans {
		if !selected[l.ID] && l.DaysOverdue(depositDate) > 0 {
			out = append(out, l.ID)
		}
	}
	return out
}
