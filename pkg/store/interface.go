package store

import (
	"time"

	"github.com/crestfin/lending/pkg/models"
	"github.com/google/uuid"
)

// Storage defines the interface for database operations related to loans,
// contracts, payments, transactions and daily summaries. Engines compute on
// value snapshots; Storage is the thin adapter that persists the results.
type Storage interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	GetLoansByCompany(companyID string) ([]*models.Loan, error)
	GetOpenLoansByCompany(companyID string) ([]*models.Loan, error)

	CreateContract(c *models.Contract) error
	GetContractsByCompany(companyID string) ([]*models.Contract, error)

	GetSummary(companyID string, date time.Time) (*models.FinancialSummary, error)
	GetSummariesInRange(companyID string, from, to time.Time) ([]*models.FinancialSummary, error)
	GetLastSummaryDate(companyID string) (*time.Time, error)

	CreatePayment(p *models.Payment) error
	GetPayment(id uuid.UUID) (*models.Payment, error)

	CreateTransaction(tx *models.Transaction) error
	GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error)
	GetTransactionsForPayment(paymentID uuid.UUID) ([]*models.Transaction, error)
	// GetCompanyTransactionsInWindow returns settled repayment and credit
	// transactions for a company whose deposit date falls on or before `to`
	// and whose effective date falls on or after `from`. Callers over-fetch
	// and filter by exact dates.
	GetCompanyTransactionsInWindow(companyID string, from, to time.Time) ([]*models.Transaction, error)

	CreateCertification(c *models.BorrowingBaseCertification) error
	GetLatestCertification(companyID string, asOf time.Time) (*models.BorrowingBaseCertification, error)

	// SaveCompanyDays persists the closing loan states and summaries for a
	// company's recomputed date range in one transaction. Summaries are
	// idempotent upserts keyed on (company, date).
	SaveCompanyDays(companyID string, loans []*models.Loan, summaries []*models.FinancialSummary) error

	// ApplySettlement stamps the payment, inserts its transactions and writes
	// the updated loan balances in one transaction; any failure rolls the
	// whole settlement back.
	ApplySettlement(payment *models.Payment, txs []*models.Transaction, loans []*models.Loan) error

	Close() error
}
