package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crestfin/lending/pkg/models"
	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost;
// rate and tier tables are stored as JSON documents on the contract row.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		artifact_key TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		origination_date DATETIME NOT NULL,
		adjusted_maturity_date DATETIME NOT NULL,
		outstanding_principal TEXT NOT NULL,
		outstanding_interest TEXT NOT NULL DEFAULT '0',
		outstanding_fees TEXT NOT NULL DEFAULT '0',
		for_interest_principal TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_company ON loans(company_id);
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		product_type TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME,
		interest_rate TEXT NOT NULL DEFAULT '0',
		dynamic_rates TEXT NOT NULL DEFAULT '[]',
		minimum_fee TEXT,
		late_fee_tiers TEXT NOT NULL DEFAULT '[]',
		maximum_principal TEXT NOT NULL DEFAULT '0',
		factoring_fee_threshold TEXT,
		borrowing_base TEXT NOT NULL DEFAULT '{}',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_company ON contracts(company_id);
	CREATE TABLE IF NOT EXISTS summaries (
		company_id TEXT NOT NULL,
		date DATETIME NOT NULL,
		total_outstanding_principal TEXT NOT NULL DEFAULT '0',
		total_outstanding_interest TEXT NOT NULL DEFAULT '0',
		total_outstanding_fees TEXT NOT NULL DEFAULT '0',
		total_limit TEXT NOT NULL DEFAULT '0',
		adjusted_total_limit TEXT NOT NULL DEFAULT '0',
		minimum_interest TEXT,
		account_balance TEXT NOT NULL DEFAULT '0',
		day_volume_threshold_met INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (company_id, date)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		type TEXT NOT NULL,
		requested_amount TEXT NOT NULL DEFAULT '0',
		amount TEXT NOT NULL DEFAULT '0',
		deposit_date DATETIME,
		settlement_date DATETIME,
		payment_date DATETIME,
		settled_at DATETIME,
		settled_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		loan_id TEXT,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		to_principal TEXT NOT NULL DEFAULT '0',
		to_interest TEXT NOT NULL DEFAULT '0',
		to_fees TEXT NOT NULL DEFAULT '0',
		effective_date DATETIME NOT NULL,
		deposit_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id);
	CREATE TABLE IF NOT EXISTS certifications (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		certified_date DATETIME NOT NULL,
		accounts_receivable TEXT NOT NULL DEFAULT '0',
		inventory TEXT NOT NULL DEFAULT '0',
		cash TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_certifications_company ON certifications(company_id, certified_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

const loanColumns = `id, company_id, contract_id, artifact_key, principal, origination_date,
	adjusted_maturity_date, outstanding_principal, outstanding_interest, outstanding_fees,
	for_interest_principal, payment_status, created_at, updated_at`

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	_, err := s.db.Exec(
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CompanyID, loan.ContractID.String(), loan.ArtifactKey,
		loan.Principal, loan.OriginationDate, loan.AdjustedMaturityDate,
		loan.OutstandingPrincipal, loan.OutstandingInterest, loan.OutstandingFees,
		loan.ForInterestPrincipal, string(loan.PaymentStatus), loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("loan not found")
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	return updateLoanExec(s.db, loan)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func updateLoanExec(db execer, loan *models.Loan) error {
	result, err := db.Exec(
		`UPDATE loans SET outstanding_principal = ?, outstanding_interest = ?, outstanding_fees = ?,
			for_interest_principal = ?, payment_status = ?, adjusted_maturity_date = ?, updated_at = ?
		WHERE id = ?`,
		loan.OutstandingPrincipal, loan.OutstandingInterest, loan.OutstandingFees,
		loan.ForInterestPrincipal, string(loan.PaymentStatus), loan.AdjustedMaturityDate,
		loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan not found")
	}
	return nil
}

// GetLoansByCompany retrieves all loans for a company, including closed ones.
func (s *SQLiteStore) GetLoansByCompany(companyID string) ([]*models.Loan, error) {
	rows, err := s.db.Query(
		`SELECT `+loanColumns+` FROM loans WHERE company_id = ? ORDER BY adjusted_maturity_date ASC`,
		companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for company %s: %w", companyID, err)
	}
	defer rows.Close()
	return scanLoans(rows)
}

// GetOpenLoansByCompany retrieves a company's loans that are not closed.
func (s *SQLiteStore) GetOpenLoansByCompany(companyID string) ([]*models.Loan, error) {
	rows, err := s.db.Query(
		`SELECT `+loanColumns+` FROM loans WHERE company_id = ? AND payment_status != ?
		ORDER BY adjusted_maturity_date ASC`,
		companyID, string(models.PaymentStatusClosed))
	if err != nil {
		return nil, fmt.Errorf("failed to get open loans for company %s: %w", companyID, err)
	}
	defer rows.Close()
	return scanLoans(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, contractIDStr, status string
	if err := row.Scan(&idStr, &loan.CompanyID, &contractIDStr, &loan.ArtifactKey,
		&loan.Principal, &loan.OriginationDate, &loan.AdjustedMaturityDate,
		&loan.OutstandingPrincipal, &loan.OutstandingInterest, &loan.OutstandingFees,
		&loan.ForInterestPrincipal, &status, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.ContractID = uuid.MustParse(contractIDStr)
	loan.PaymentStatus = models.PaymentStatus(status)
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// CreateContract inserts a contract with its rate tables serialized as JSON.
func (s *SQLiteStore) CreateContract(c *models.Contract) error {
	dynamicRates, err := json.Marshal(c.DynamicRates)
	if err != nil {
		return fmt.Errorf("failed to encode dynamic rates: %w", err)
	}
	tiers, err := json.Marshal(c.LateFeeTiers)
	if err != nil {
		return fmt.Errorf("failed to encode late fee tiers: %w", err)
	}
	borrowingBase, err := json.Marshal(c.BorrowingBase)
	if err != nil {
		return fmt.Errorf("failed to encode borrowing base: %w", err)
	}
	var minFee, fft []byte
	if c.MinimumFee != nil {
		if minFee, err = json.Marshal(c.MinimumFee); err != nil {
			return fmt.Errorf("failed to encode minimum fee: %w", err)
		}
	}
	if c.FactoringFeeThreshold != nil {
		if fft, err = json.Marshal(c.FactoringFeeThreshold); err != nil {
			return fmt.Errorf("failed to encode factoring fee threshold: %w", err)
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO contracts (id, company_id, product_type, start_date, end_date, interest_rate,
			dynamic_rates, minimum_fee, late_fee_tiers, maximum_principal, factoring_fee_threshold,
			borrowing_base, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.CompanyID, string(c.ProductType), c.StartDate, nullTime(c.EndDate),
		c.InterestRate, string(dynamicRates), nullBytes(minFee), string(tiers),
		c.MaximumPrincipal, nullBytes(fft), string(borrowingBase), c.Deleted, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	return nil
}

// GetContractsByCompany retrieves all contracts for a company, deleted ones
// included so as-of resolution can skip them explicitly.
func (s *SQLiteStore) GetContractsByCompany(companyID string) ([]*models.Contract, error) {
	rows, err := s.db.Query(
		`SELECT id, company_id, product_type, start_date, end_date, interest_rate, dynamic_rates,
			minimum_fee, late_fee_tiers, maximum_principal, factoring_fee_threshold, borrowing_base,
			deleted, created_at
		FROM contracts WHERE company_id = ? ORDER BY created_at ASC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contracts for company %s: %w", companyID, err)
	}
	defer rows.Close()

	var contracts []*models.Contract
	for rows.Next() {
		var (
			c             models.Contract
			idStr, pt     string
			endDate       sql.NullTime
			dynamicRates  string
			minFee, fft   sql.NullString
			tiers, bbJSON string
		)
		if err := rows.Scan(&idStr, &c.CompanyID, &pt, &c.StartDate, &endDate, &c.InterestRate,
			&dynamicRates, &minFee, &tiers, &c.MaximumPrincipal, &fft, &bbJSON,
			&c.Deleted, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contract row: %w", err)
		}
		c.ID = uuid.MustParse(idStr)
		c.ProductType = models.ProductType(pt)
		if endDate.Valid {
			c.EndDate = endDate.Time
		}
		if err := json.Unmarshal([]byte(dynamicRates), &c.DynamicRates); err != nil {
			return nil, fmt.Errorf("failed to decode dynamic rates: %w", err)
		}
		if err := json.Unmarshal([]byte(tiers), &c.LateFeeTiers); err != nil {
			return nil, fmt.Errorf("failed to decode late fee tiers: %w", err)
		}
		if err := json.Unmarshal([]byte(bbJSON), &c.BorrowingBase); err != nil {
			return nil, fmt.Errorf("failed to decode borrowing base: %w", err)
		}
		if minFee.Valid {
			c.MinimumFee = &models.MinimumFee{}
			if err := json.Unmarshal([]byte(minFee.String), c.MinimumFee); err != nil {
				return nil, fmt.Errorf("failed to decode minimum fee: %w", err)
			}
		}
		if fft.Valid {
			c.FactoringFeeThreshold = &models.FactoringFeeThreshold{}
			if err := json.Unmarshal([]byte(fft.String), c.FactoringFeeThreshold); err != nil {
				return nil, fmt.Errorf("failed to decode factoring fee threshold: %w", err)
			}
		}
		contracts = append(contracts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return contracts, nil
}

const summaryColumns = `company_id, date, total_outstanding_principal, total_outstanding_interest,
	total_outstanding_fees, total_limit, adjusted_total_limit, minimum_interest, account_balance,
	day_volume_threshold_met, created_at, updated_at`

// GetSummary retrieves one company-day summary.
func (s *SQLiteStore) GetSummary(companyID string, date time.Time) (*models.FinancialSummary, error) {
	row := s.db.QueryRow(`SELECT `+summaryColumns+` FROM summaries WHERE company_id = ? AND date = ?`,
		companyID, date)
	summary, err := scanSummary(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("summary not found")
		}
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return summary, nil
}

// GetSummariesInRange retrieves a company's summaries between two dates inclusive.
func (s *SQLiteStore) GetSummariesInRange(companyID string, from, to time.Time) ([]*models.FinancialSummary, error) {
	rows, err := s.db.Query(
		`SELECT `+summaryColumns+` FROM summaries WHERE company_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		companyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*models.FinancialSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return summaries, nil
}

// GetLastSummaryDate returns the most recent computed summary date for a
// company, or nil when none exists.
func (s *SQLiteStore) GetLastSummaryDate(companyID string) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRow(`SELECT MAX(date) FROM summaries WHERE company_id = ?`, companyID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to get last summary date: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

func scanSummary(row rowScanner) (*models.FinancialSummary, error) {
	var summary models.FinancialSummary
	var minInterest sql.NullString
	if err := row.Scan(&summary.CompanyID, &summary.Date,
		&summary.TotalOutstandingPrincipal, &summary.TotalOutstandingInterest,
		&summary.TotalOutstandingFees, &summary.TotalLimit, &summary.AdjustedTotalLimit,
		&minInterest, &summary.AccountBalance, &summary.DayVolumeThresholdMet,
		&summary.CreatedAt, &summary.UpdatedAt); err != nil {
		return nil, err
	}
	if minInterest.Valid {
		summary.MinimumInterest = &models.MinimumInterestInfo{}
		if err := json.Unmarshal([]byte(minInterest.String), summary.MinimumInterest); err != nil {
			return nil, fmt.Errorf("failed to decode minimum interest info: %w", err)
		}
	}
	return &summary, nil
}

// CreatePayment inserts a new payment.
func (s *SQLiteStore) CreatePayment(p *models.Payment) error {
	_, err := s.db.Exec(
		`INSERT INTO payments (id, company_id, type, requested_amount, amount, deposit_date,
			settlement_date, payment_date, settled_at, settled_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.CompanyID, string(p.Type), p.RequestedAmount, p.Amount,
		nullTime(p.DepositDate), nullTime(p.SettlementDate), nullTime(p.PaymentDate),
		p.SettledAt, p.SettledBy, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *SQLiteStore) GetPayment(id uuid.UUID) (*models.Payment, error) {
	var (
		p                     models.Payment
		idStr, ptype          string
		deposit, settle, paid sql.NullTime
		settledAt             sql.NullTime
	)
	err := s.db.QueryRow(
		`SELECT id, company_id, type, requested_amount, amount, deposit_date, settlement_date,
			payment_date, settled_at, settled_by, created_at
		FROM payments WHERE id = ?`, id.String()).
		Scan(&idStr, &p.CompanyID, &ptype, &p.RequestedAmount, &p.Amount,
			&deposit, &settle, &paid, &settledAt, &p.SettledBy, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("payment not found")
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.ID = uuid.MustParse(idStr)
	p.Type = models.PaymentType(ptype)
	if deposit.Valid {
		p.DepositDate = deposit.Time
	}
	if settle.Valid {
		p.SettlementDate = settle.Time
	}
	if paid.Valid {
		p.PaymentDate = paid.Time
	}
	if settledAt.Valid {
		p.SettledAt = &settledAt.Time
	}
	return &p, nil
}

const transactionColumns = `id, payment_id, loan_id, type, amount, to_principal, to_interest,
	to_fees, effective_date, deposit_date, created_at`

// CreateTransaction inserts a new transaction.
func (s *SQLiteStore) CreateTransaction(tx *models.Transaction) error {
	return createTransactionExec(s.db, tx)
}

func createTransactionExec(db execer, tx *models.Transaction) error {
	var loanID any
	if tx.LoanID != nil {
		loanID = tx.LoanID.String()
	}
	_, err := db.Exec(
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID.String(), tx.PaymentID.String(), loanID, string(tx.Type), tx.Amount,
		tx.ToPrincipal, tx.ToInterest, tx.ToFees, tx.EffectiveDate, tx.DepositDate, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLiteStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT `+transactionColumns+` FROM transactions WHERE loan_id = ? ORDER BY effective_date ASC`,
		loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// GetTransactionsForPayment retrieves all transactions created by a payment.
func (s *SQLiteStore) GetTransactionsForPayment(paymentID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_id = ? ORDER BY created_at ASC`,
		paymentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for payment %s: %w", paymentID, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// GetCompanyTransactionsInWindow retrieves a company's settled transactions
// overlapping the window: effective on or after `from`, deposited on or
// before `to`.
func (s *SQLiteStore) GetCompanyTransactionsInWindow(companyID string, from, to time.Time) ([]*models.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.payment_id, t.loan_id, t.type, t.amount, t.to_principal, t.to_interest,
			t.to_fees, t.effective_date, t.deposit_date, t.created_at
		FROM transactions t JOIN payments p ON t.payment_id = p.id
		WHERE p.company_id = ? AND t.effective_date >= ? AND t.deposit_date <= ?
		ORDER BY t.effective_date ASC`,
		companyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for company %s: %w", companyID, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var idStr, paymentIDStr, ttype string
		var loanIDStr sql.NullString
		if err := rows.Scan(&idStr, &paymentIDStr, &loanIDStr, &ttype, &tx.Amount,
			&tx.ToPrincipal, &tx.ToInterest, &tx.ToFees,
			&tx.EffectiveDate, &tx.DepositDate, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		tx.ID = uuid.MustParse(idStr)
		tx.PaymentID = uuid.MustParse(paymentIDStr)
		tx.Type = models.TransactionType(ttype)
		if loanIDStr.Valid {
			loanID := uuid.MustParse(loanIDStr.String)
			tx.LoanID = &loanID
		}
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return txs, nil
}

// CreateCertification inserts a borrowing base certification.
func (s *SQLiteStore) CreateCertification(c *models.BorrowingBaseCertification) error {
	_, err := s.db.Exec(
		`INSERT INTO certifications (id, company_id, certified_date, accounts_receivable, inventory, cash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.CompanyID, c.CertifiedDate, c.AccountsReceivable, c.Inventory, c.Cash, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create certification: %w", err)
	}
	return nil
}

// GetLatestCertification retrieves the most recent certification on or before
// asOf, or nil when none exists.
func (s *SQLiteStore) GetLatestCertification(companyID string, asOf time.Time) (*models.BorrowingBaseCertification, error) {
	var c models.BorrowingBaseCertification
	var idStr string
	err := s.db.QueryRow(
		`SELECT id, company_id, certified_date, accounts_receivable, inventory, cash, created_at
		FROM certifications WHERE company_id = ? AND certified_date <= ?
		ORDER BY certified_date DESC LIMIT 1`,
		companyID, asOf).
		Scan(&idStr, &c.CompanyID, &c.CertifiedDate, &c.AccountsReceivable, &c.Inventory, &c.Cash, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get certification: %w", err)
	}
	c.ID = uuid.MustParse(idStr)
	return &c, nil
}

// SaveCompanyDays persists loan states and summaries for a recomputed range
// within a single transaction so a company's update is all-or-nothing.
func (s *SQLiteStore) SaveCompanyDays(companyID string, loans []*models.Loan, summaries []*models.FinancialSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, loan := range loans {
		if err := updateLoanExec(tx, loan); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, summary := range summaries {
		var minInterest any
		if summary.MinimumInterest != nil {
			encoded, err := json.Marshal(summary.MinimumInterest)
			if err != nil {
				return fmt.Errorf("failed to encode minimum interest info: %w", err)
			}
			minInterest = string(encoded)
		}
		_, err := tx.Exec(
			`INSERT INTO summaries (`+summaryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(company_id, date) DO UPDATE SET
				total_outstanding_principal = excluded.total_outstanding_principal,
				total_outstanding_interest = excluded.total_outstanding_interest,
				total_outstanding_fees = excluded.total_outstanding_fees,
				total_limit = excluded.total_limit,
				adjusted_total_limit = excluded.adjusted_total_limit,
				minimum_interest = excluded.minimum_interest,
				account_balance = excluded.account_balance,
				day_volume_threshold_met = excluded.day_volume_threshold_met,
				updated_at = excluded.updated_at`,
			summary.CompanyID, summary.Date,
			summary.TotalOutstandingPrincipal, summary.TotalOutstandingInterest,
			summary.TotalOutstandingFees, summary.TotalLimit, summary.AdjustedTotalLimit,
			minInterest, summary.AccountBalance, summary.DayVolumeThresholdMet, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert summary for %s: %w", summary.Date, err)
		}
	}

	return tx.Commit()
}

// ApplySettlement stamps the payment, records its transactions and writes the
// post-settlement loan balances within a single transaction.
func (s *SQLiteStore) ApplySettlement(payment *models.Payment, txs []*models.Transaction, loans []*models.Loan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE payments SET amount = ?, deposit_date = ?, settlement_date = ?, settled_at = ?, settled_by = ?
		WHERE id = ? AND settled_at IS NULL`,
		payment.Amount, payment.DepositDate, payment.SettlementDate,
		payment.SettledAt, payment.SettledBy, payment.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to stamp payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment already settled")
	}

	for _, t := range txs {
		if err := createTransactionExec(tx, t); err != nil {
			return err
		}
	}
	for _, loan := range loans {
		if err := updateLoanExec(tx, loan); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
