package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks a loan's repayment lifecycle. Loans are logically
// closed, never deleted.
type PaymentStatus string

const (
	PaymentStatusFunded        PaymentStatus = "funded"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusClosed        PaymentStatus = "closed"
)

type Loan struct {
	ID                   uuid.UUID       `json:"id"`
	CompanyID            string          `json:"company_id"` // Link to external customer system
	ContractID           uuid.UUID       `json:"contract_id"`
	ArtifactKey          string          `json:"artifact_key"` // Originating invoice/draw reference
	Principal            decimal.Decimal `json:"principal"`
	OriginationDate      time.Time       `json:"origination_date"`
	AdjustedMaturityDate time.Time       `json:"adjusted_maturity_date"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal_balance"`
	OutstandingInterest  decimal.Decimal `json:"outstanding_interest"`
	OutstandingFees      decimal.Decimal `json:"outstanding_fees"`
	// ForInterestPrincipal is the amount interest accrues on today. Settlements
	// reduce OutstandingPrincipal same-day but this field only catches up on
	// the next day's accrual.
	ForInterestPrincipal decimal.Decimal `json:"for_interest_principal"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// FinancingPeriod returns the days elapsed since origination as of the given date.
func (l *Loan) FinancingPeriod(asOf time.Time) int {
	return int(asOf.Sub(l.OriginationDate).Hours() / 24)
}

// DaysOverdue returns how many days past the adjusted maturity date the loan
// is as of the given date, or 0 if not yet overdue.
func (l *Loan) DaysOverdue(asOf time.Time) int {
	d := int(asOf.Sub(l.AdjustedMaturityDate).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// MinimumFeeDuration is the period over which a contractual minimum fee is measured.
type MinimumFeeDuration string

const (
	MinimumFeeMonthly   MinimumFeeDuration = "monthly"
	MinimumFeeQuarterly MinimumFeeDuration = "quarterly"
	MinimumFeeAnnually  MinimumFeeDuration = "annually"
)

// MinimumFee is a contractual floor on interest accrued per period.
type MinimumFee struct {
	Amount   decimal.Decimal    `json:"amount"`
	Duration MinimumFeeDuration `json:"duration"`
}

// DateRangeRate is one segment of a dynamic interest rate schedule. A zero
// EndDate means the segment is open-ended.
type DateRangeRate struct {
	StartDate time.Time       `json:"start_date"`
	EndDate   time.Time       `json:"end_date"`
	Rate      decimal.Decimal `json:"rate"`
}

// LateFeeTier maps a days-overdue bucket to a multiplier on the daily rate.
// FromDay/ToDay are inclusive; ToDay == 0 means open-ended.
type LateFeeTier struct {
	FromDay    int             `json:"from_day"`
	ToDay      int             `json:"to_day"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// FactoringFeeThreshold enables a reduced rate once cumulative funded volume
// crosses the threshold within the contract.
type FactoringFeeThreshold struct {
	Threshold          decimal.Decimal `json:"threshold"`
	StartingValue      decimal.Decimal `json:"starting_value"`
	AdjustedPercentage decimal.Decimal `json:"adjusted_percentage"` // Daily rate once the threshold is met
}

// BorrowingBasePercentages are the advance rates applied to certified
// collateral categories.
type BorrowingBasePercentages struct {
	AccountsReceivable decimal.Decimal `json:"accounts_receivable_percentage"`
	Inventory          decimal.Decimal `json:"inventory_percentage"`
	Cash               decimal.Decimal `json:"cash_percentage"`
}

type ProductType string

const (
	ProductInvoiceFinancing ProductType = "invoice_financing"
	ProductLineOfCredit     ProductType = "line_of_credit"
)

// Contract holds the pricing terms for a company's facility. The rate and
// late fee tables are immutable configuration resolved via pure functions of
// (date, table) — see pkg/contract.
type Contract struct {
	ID                    uuid.UUID                `json:"id"`
	CompanyID             string                   `json:"company_id"`
	ProductType           ProductType              `json:"product_type"`
	StartDate             time.Time                `json:"start_date"`
	EndDate               time.Time                `json:"end_date"`
	InterestRate          decimal.Decimal          `json:"interest_rate"` // Fixed daily rate; ignored when DynamicRates present
	DynamicRates          []DateRangeRate          `json:"dynamic_interest_rate,omitempty"`
	MinimumFee            *MinimumFee              `json:"minimum_fee,omitempty"`
	LateFeeTiers          []LateFeeTier            `json:"late_fee_structure"`
	MaximumPrincipal      decimal.Decimal          `json:"maximum_principal_amount"`
	FactoringFeeThreshold *FactoringFeeThreshold   `json:"factoring_fee_threshold,omitempty"`
	BorrowingBase         BorrowingBasePercentages `json:"borrowing_base_percentages"`
	Deleted               bool                     `json:"deleted"`
	CreatedAt             time.Time                `json:"created_at"`
}

// BorrowingBaseCertification is a certified snapshot of collateral values used
// to derive the effective credit limit.
type BorrowingBaseCertification struct {
	ID                 uuid.UUID       `json:"id"`
	CompanyID          string          `json:"company_id"`
	CertifiedDate      time.Time       `json:"certified_date"`
	AccountsReceivable decimal.Decimal `json:"accounts_receivable"`
	Inventory          decimal.Decimal `json:"inventory"`
	Cash               decimal.Decimal `json:"cash"`
	CreatedAt          time.Time       `json:"created_at"`
}

// MinimumInterestInfo is the per-period minimum fee position carried on a
// FinancialSummary.
type MinimumInterestInfo struct {
	MinimumAmount decimal.Decimal `json:"minimum_amount"`
	AmountAccrued decimal.Decimal `json:"amount_accrued"`
	AmountShort   decimal.Decimal `json:"amount_short"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
}

// FinancialSummary is the account-level balance row for one company and one
// day. Exactly one row exists per (company, date); recomputation overwrites it.
type FinancialSummary struct {
	CompanyID                 string               `json:"company_id"`
	Date                      time.Time            `json:"date"`
	TotalOutstandingPrincipal decimal.Decimal      `json:"total_outstanding_principal"`
	TotalOutstandingInterest  decimal.Decimal      `json:"total_outstanding_interest"`
	TotalOutstandingFees      decimal.Decimal      `json:"total_outstanding_fees"`
	TotalLimit                decimal.Decimal      `json:"total_limit"`
	AdjustedTotalLimit        decimal.Decimal      `json:"adjusted_total_limit"`
	MinimumInterest           *MinimumInterestInfo `json:"minimum_interest_info,omitempty"`
	AccountBalance            decimal.Decimal      `json:"account_level_balance"`
	DayVolumeThresholdMet     bool                 `json:"day_volume_threshold_met"`
	CreatedAt                 time.Time            `json:"created_at"`
	UpdatedAt                 time.Time            `json:"updated_at"`
}

type PaymentType string

const (
	PaymentTypeRepayment PaymentType = "repayment"
	PaymentTypeAdvance   PaymentType = "advance"
)

// Payment is a money movement. RequestedAmount is what the customer asked to
// pay; Amount is what actually arrived.
type Payment struct {
	ID              uuid.UUID       `json:"id"`
	CompanyID       string          `json:"company_id"`
	Type            PaymentType     `json:"type"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Amount          decimal.Decimal `json:"amount"`
	DepositDate     time.Time       `json:"deposit_date"`
	SettlementDate  time.Time       `json:"settlement_date"`
	PaymentDate     time.Time       `json:"payment_date"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
	SettledBy       string          `json:"settled_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Settled reports whether the payment has already been applied.
func (p *Payment) Settled() bool {
	return p.SettledAt != nil
}

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "disbursement"
	TransactionTypeRepayment    TransactionType = "repayment"
	TransactionTypeCredit       TransactionType = "credit_to_user"
)

// Transaction is the atomic application of part of a Payment to one Loan, or
// to the account level when LoanID is nil (a pure credit). For repayments
// Amount == ToPrincipal + ToInterest + ToFees to the cent.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	LoanID        *uuid.UUID      `json:"loan_id,omitempty"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	ToPrincipal   decimal.Decimal `json:"to_principal"`
	ToInterest    decimal.Decimal `json:"to_interest"`
	ToFees        decimal.Decimal `json:"to_fees"`
	EffectiveDate time.Time       `json:"effective_date"` // Settlement date for balance purposes
	DepositDate   time.Time       `json:"deposit_date"`
	CreatedAt     time.Time       `json:"created_at"`
}
