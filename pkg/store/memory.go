package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crestfin/lending/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Storage. It backs tests and
// mirrors the SQLite adapter's semantics, including the all-or-nothing
// composite writes.
type MemoryStore struct {
	mu             sync.Mutex
	loans          map[uuid.UUID]*models.Loan
	contracts      map[string][]*models.Contract
	summaries      map[string]map[string]*models.FinancialSummary // company -> date -> row
	payments       map[uuid.UUID]*models.Payment
	transactions   []*models.Transaction
	certifications map[string][]*models.BorrowingBaseCertification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:          make(map[uuid.UUID]*models.Loan),
		contracts:      make(map[string][]*models.Contract),
		summaries:      make(map[string]map[string]*models.FinancialSummary),
		payments:       make(map[uuid.UUID]*models.Payment),
		certifications: make(map[string][]*models.BorrowingBaseCertification),
	}
}

const dayKey = "2006-01-02"

func (m *MemoryStore) CreateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *loan
	m.loans[loan.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan not found")
	}
	cp := *loan
	return &cp, nil
}

func (m *MemoryStore) UpdateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[loan.ID]; !ok {
		return fmt.Errorf("loan not found")
	}
	cp := *loan
	m.loans[loan.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLoansByCompany(companyID string) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.companyLoansLocked(companyID, true), nil
}

func (m *MemoryStore) GetOpenLoansByCompany(companyID string) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.companyLoansLocked(companyID, false), nil
}

func (m *MemoryStore) companyLoansLocked(companyID string, includeClosed bool) []*models.Loan {
	var loans []*models.Loan
	for _, l := range m.loans {
		if l.CompanyID != companyID {
			continue
		}
		if !includeClosed && l.PaymentStatus == models.PaymentStatusClosed {
			continue
		}
		cp := *l
		loans = append(loans, &cp)
	}
	sort.Slice(loans, func(i, j int) bool {
		return loans[i].AdjustedMaturityDate.Before(loans[j].AdjustedMaturityDate)
	})
	return loans
}

func (m *MemoryStore) CreateContract(c *models.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.CompanyID] = append(m.contracts[c.CompanyID], c)
	return nil
}

func (m *MemoryStore) GetContractsByCompany(companyID string) ([]*models.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Contract(nil), m.contracts[companyID]...), nil
}

func (m *MemoryStore) GetSummary(companyID string, date time.Time) (*models.FinancialSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.summaries[companyID][date.Format(dayKey)]
	if !ok {
		return nil, fmt.Errorf("summary not found")
	}
	cp := *row
	return &cp, nil
}

func (m *MemoryStore) GetSummariesInRange(companyID string, from, to time.Time) ([]*models.FinancialSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FinancialSummary
	for _, row := range m.summaries[companyID] {
		if !row.Date.Before(from) && !row.Date.After(to) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) GetLastSummaryDate(companyID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, row := range m.summaries[companyID] {
		if last == nil || row.Date.After(*last) {
			d := row.Date
			last = &d
		}
	}
	return last, nil
}

func (m *MemoryStore) CreatePayment(p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment not found")
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateTransaction(tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	return nil
}

func (m *MemoryStore) GetTransactionsForLoan(loanID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.LoanID != nil && *tx.LoanID == loanID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetTransactionsForPayment(paymentID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.PaymentID == paymentID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetCompanyTransactionsInWindow(companyID string, from, to time.Time) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range m.transactions {
		p, ok := m.payments[tx.PaymentID]
		if !ok || p.CompanyID != companyID {
			continue
		}
		if tx.EffectiveDate.Before(from) || tx.DepositDate.After(to) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CreateCertification(c *models.BorrowingBaseCertification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certifications[c.CompanyID] = append(m.certifications[c.CompanyID], c)
	return nil
}

func (m *MemoryStore) GetLatestCertification(companyID string, asOf time.Time) (*models.BorrowingBaseCertification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.BorrowingBaseCertification
	for _, c := range m.certifications[companyID] {
		if c.CertifiedDate.After(asOf) {
			continue
		}
		if latest == nil || c.CertifiedDate.After(latest.CertifiedDate) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) SaveCompanyDays(companyID string, loans []*models.Loan, summaries []*models.FinancialSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, loan := range loans {
		if _, ok := m.loans[loan.ID]; !ok {
			return fmt.Errorf("loan not found")
		}
	}
	for _, loan := range loans {
		cp := *loan
		m.loans[loan.ID] = &cp
	}
	if m.summaries[companyID] == nil {
		m.summaries[companyID] = make(map[string]*models.FinancialSummary)
	}
	now := time.Now()
	for _, summary := range summaries {
		cp := *summary
		cp.UpdatedAt = now
		m.summaries[companyID][summary.Date.Format(dayKey)] = &cp
	}
	return nil
}

func (m *MemoryStore) ApplySettlement(payment *models.Payment, txs []*models.Transaction, loans []*models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.payments[payment.ID]
	if !ok {
		return fmt.Errorf("payment not found")
	}
	if existing.SettledAt != nil {
		return fmt.Errorf("payment already settled")
	}
	for _, loan := range loans {
		if _, ok := m.loans[loan.ID]; !ok {
			return fmt.Errorf("loan not found")
		}
	}
	cp := *payment
	m.payments[payment.ID] = &cp
	for _, tx := range txs {
		txCp := *tx
		m.transactions = append(m.transactions, &txCp)
	}
	for _, loan := range loans {
		loanCp := *loan
		m.loans[loan.ID] = &loanCp
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
