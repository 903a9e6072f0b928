// Package funding originates loans against a company's contract and records
// the disbursement audit trail.
package funding

import (
	"time"

	"github.com/crestfin/lending/pkg/contract"
	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/crestfin/lending/pkg/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service handles loan origination and administrative loan edits.
type Service struct {
	storage store.Storage
	logger  *zap.Logger
}

// NewService creates a funding Service. A nil logger is replaced with a no-op.
func NewService(s store.Storage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{storage: s, logger: logger}
}

// Request describes a loan to fund.
type Request struct {
	CompanyID       string
	ArtifactKey     string
	Principal       decimal.Decimal
	OriginationDate time.Time
	MaturityDate    time.Time
}

// FundLoan creates a funded loan under the contract governing the origination
// date. The advance is checked against the effective limit — the lesser of
// the contract limit and the certified borrowing base — before anything is
// written.
func (s *Service) FundLoan(req Request) (*models.Loan, error) {
	if !req.Principal.IsPositive() {
		return nil, faults.New(faults.Validation, "principal must be positive")
	}
	if req.OriginationDate.IsZero() || req.MaturityDate.IsZero() {
		return nil, faults.New(faults.Validation, "origination and maturity dates are required")
	}
	if dates.Day(req.MaturityDate).Before(dates.Day(req.OriginationDate)) {
		return nil, faults.New(faults.Validation, "maturity date precedes origination date")
	}

	contracts, err := s.storage.GetContractsByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load contracts", err)
	}
	con := contract.ResolveAsOf(contracts, req.OriginationDate)
	if con == nil {
		return nil, faults.Newf(faults.Validation, "no contract governs company %s on %s",
			req.CompanyID, dates.Day(req.OriginationDate).Format(dates.Layout))
	}

	cert, err := s.storage.GetLatestCertification(req.CompanyID, req.OriginationDate)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load borrowing base certification", err)
	}
	open, err := s.storage.GetOpenLoansByCompany(req.CompanyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load loans", err)
	}
	exposure := req.Principal
	for _, l := range open {
		exposure = exposure.Add(l.OutstandingPrincipal)
	}
	if limit := contract.EffectiveLimit(con, cert); exposure.GreaterThan(limit) {
		return nil, faults.Newf(faults.InvariantViolation,
			"advance would raise exposure to %s over the effective limit %s", exposure, limit)
	}

	now := time.Now()
	loan := &models.Loan{
		ID:                   uuid.New(),
		CompanyID:            req.CompanyID,
		ContractID:           con.ID,
		ArtifactKey:          req.ArtifactKey,
		Principal:            req.Principal,
		OriginationDate:      dates.Day(req.OriginationDate),
		AdjustedMaturityDate: dates.Day(req.MaturityDate),
		OutstandingPrincipal: req.Principal,
		OutstandingInterest:  decimal.Zero,
		OutstandingFees:      decimal.Zero,
		ForInterestPrincipal: req.Principal,
		PaymentStatus:        models.PaymentStatusFunded,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.storage.CreateLoan(loan); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "store loan", err)
	}

	// Record the disbursement as an advance payment with one audit transaction.
	payment := &models.Payment{
		ID:              uuid.New(),
		CompanyID:       req.CompanyID,
		Type:            models.PaymentTypeAdvance,
		RequestedAmount: req.Principal,
		Amount:          req.Principal,
		DepositDate:     loan.OriginationDate,
		SettlementDate:  loan.OriginationDate,
		PaymentDate:     loan.OriginationDate,
		SettledAt:       &now,
		SettledBy:       "funding",
		CreatedAt:       now,
	}
	if err := s.storage.CreatePayment(payment); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "store disbursement payment", err)
	}
	loanID := loan.ID
	disbursement := &models.Transaction{
		ID:            uuid.New(),
		PaymentID:     payment.ID,
		LoanID:        &loanID,
		Type:          models.TransactionTypeDisbursement,
		Amount:        req.Principal,
		DepositDate:   loan.OriginationDate,
		EffectiveDate: loan.OriginationDate,
		CreatedAt:     now,
	}
	if err := s.storage.CreateTransaction(disbursement); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "store disbursement transaction", err)
	}

	s.logger.Info("loan funded",
		zap.String("company_id", req.CompanyID),
		zap.String("loan_id", loan.ID.String()),
		zap.String("principal", req.Principal.String()),
	)
	return loan, nil
}

// AdjustMaturityDate moves a loan's maturity to a new date administratively.
func (s *Service) AdjustMaturityDate(loanID uuid.UUID, newDate time.Time) (*models.Loan, error) {
	loan, err := s.storage.GetLoan(loanID)
	if err != nil {
		return nil, faults.Wrap(faults.Validation, "loan not found", err)
	}
	if dates.Day(newDate).Before(dates.Day(loan.OriginationDate)) {
		return nil, faults.New(faults.Validation, "maturity date precedes origination date")
	}
	loan.AdjustedMaturityDate = dates.Day(newDate)
	loan.UpdatedAt = time.Now()
	if err := s.storage.UpdateLoan(loan); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "update loan", err)
	}
	return loan, nil
}
