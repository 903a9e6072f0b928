package repayment

import (
	"testing"

	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/crestfin/lending/pkg/store"
	"github.com/google/uuid"
)

func seedPayment(t *testing.T, s store.Storage, companyID, amount string, typ models.PaymentType) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:              uuid.New(),
		CompanyID:       companyID,
		Type:            typ,
		RequestedAmount: dec(amount),
		Amount:          dec(amount),
		DepositDate:     dates.MustParseDay("2024-03-09"),
	}
	if err := s.CreatePayment(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func seedOutstanding(t *testing.T, s store.Storage, loan *models.Loan, principal, interest, fees string) {
	t.Helper()
	loan.OutstandingPrincipal = dec(principal)
	loan.OutstandingInterest = dec(interest)
	loan.OutstandingFees = dec(fees)
	if err := s.UpdateLoan(loan); err != nil {
		t.Fatal(err)
	}
}

func TestSettleClosesFullyPaidLoan(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "5.00", "0")
	payment := seedPayment(t, s, "co-1", "1005.00", models.PaymentTypeRepayment)

	ids, err := NewEngine(s, nil).Settle(SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("1005.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("1005.00"),
			ToPrincipal: dec("1000"), ToInterest: dec("5.00"),
		}},
		SettledBy: "ops@crestfin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("created %d transactions, want 1", len(ids))
	}

	stored, err := s.GetLoan(loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PaymentStatus != models.PaymentStatusClosed {
		t.Errorf("status = %s, want closed", stored.PaymentStatus)
	}
	if !stored.OutstandingPrincipal.IsZero() || !stored.OutstandingInterest.IsZero() {
		t.Errorf("balances not cleared: p %s / i %s", stored.OutstandingPrincipal, stored.OutstandingInterest)
	}

	settled, err := s.GetPayment(payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !settled.Settled() || settled.SettledBy != "ops@crestfin" {
		t.Errorf("payment not stamped: settled_at %v settled_by %q", settled.SettledAt, settled.SettledBy)
	}
}

func TestSettlePartialPayment(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "5.00", "0")
	payment := seedPayment(t, s, "co-1", "305.00", models.PaymentTypeRepayment)

	_, err := NewEngine(s, nil).Settle(SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("305.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("305.00"),
			ToPrincipal: dec("300"), ToInterest: dec("5.00"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := s.GetLoan(loan.ID)
	if stored.PaymentStatus != models.PaymentStatusPartiallyPaid {
		t.Errorf("status = %s, want partially_paid", stored.PaymentStatus)
	}
	if !stored.OutstandingPrincipal.Equal(dec("700")) {
		t.Errorf("principal = %s, want 700", stored.OutstandingPrincipal)
	}
}

func TestSettleDuplicateIsRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "0", "0")
	payment := seedPayment(t, s, "co-1", "100", models.PaymentTypeRepayment)

	req := SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("100"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("100"), ToPrincipal: dec("100"),
		}},
	}
	engine := NewEngine(s, nil)
	if _, err := engine.Settle(req); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.AlreadySettled) {
		t.Errorf("second settle: got %v, want already settled", err)
	}
}

func TestSettlePreconditions(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "5.00", "0")
	repay := seedPayment(t, s, "co-1", "1005.00", models.PaymentTypeRepayment)
	advance := seedPayment(t, s, "co-1", "500", models.PaymentTypeAdvance)

	good := func() SettleRequest {
		return SettleRequest{
			CompanyID:      "co-1",
			PaymentID:      repay.ID,
			Amount:         dec("1005.00"),
			DepositDate:    dates.MustParseDay("2024-03-09"),
			SettlementDate: dates.MustParseDay("2024-03-11"),
			LoanIDs:        []uuid.UUID{loan.ID},
			TransactionInputs: []TransactionInput{{
				LoanID: loan.ID, Amount: dec("1005.00"),
				ToPrincipal: dec("1000"), ToInterest: dec("5.00"),
			}},
		}
	}

	engine := NewEngine(s, nil)

	req := good()
	req.PaymentID = uuid.New()
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.Validation) {
		t.Errorf("unknown payment: got %v", err)
	}

	req = good()
	req.CompanyID = "co-2"
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.Validation) {
		t.Errorf("wrong company: got %v", err)
	}

	req = good()
	req.PaymentID = advance.ID
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.Validation) {
		t.Errorf("advance payment: got %v", err)
	}

	req = good()
	req.TransactionInputs = nil
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.Validation) {
		t.Errorf("count mismatch: got %v", err)
	}

	req = good()
	req.TransactionInputs[0].ToInterest = dec("4.00") // amount no longer equals the split
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.Validation) {
		t.Errorf("split mismatch: got %v", err)
	}

	req = good()
	req.Amount = dec("2000")
	if _, err := engine.Settle(req); !faults.IsKind(err, faults.Validation) {
		t.Errorf("total mismatch: got %v", err)
	}

	// Nothing above may have mutated the store.
	if stored, _ := s.GetLoan(loan.ID); !stored.OutstandingPrincipal.Equal(dec("1000")) {
		t.Errorf("failed settlements mutated the loan: %s", stored.OutstandingPrincipal)
	}
	if p, _ := s.GetPayment(repay.ID); p.Settled() {
		t.Error("failed settlements stamped the payment")
	}
}

func TestSettleNegativePrincipalRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "0", "0")
	payment := seedPayment(t, s, "co-1", "1200", models.PaymentTypeRepayment)

	_, err := NewEngine(s, nil).Settle(SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("1200"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("1200"), ToPrincipal: dec("1200"),
		}},
	})
	if !faults.IsKind(err, faults.InvariantViolation) {
		t.Fatalf("got %v, want invariant violation", err)
	}
	if err.Error() != "Principal on a loan may not be negative." {
		t.Errorf("message = %q", err.Error())
	}
}

func TestSettleNegativeInterestRequiresPayoff(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "5.00", "0")
	payment := seedPayment(t, s, "co-1", "110", models.PaymentTypeRepayment)

	// Overpays interest while principal stays positive.
	_, err := NewEngine(s, nil).Settle(SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("110"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("110"),
			ToPrincipal: dec("100"), ToInterest: dec("10.00"),
		}},
	})
	if !faults.IsKind(err, faults.InvariantViolation) {
		t.Fatalf("got %v, want invariant violation", err)
	}
}

func TestSettleOverpaymentBecomesCredit(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "5.00", "0")
	payment := seedPayment(t, s, "co-1", "1105.00", models.PaymentTypeRepayment)

	ids, err := NewEngine(s, nil).Settle(SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("1105.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("1005.00"),
			ToPrincipal: dec("1000"), ToInterest: dec("5.00"),
		}},
		ToAccountFees:        dec("25.00"),
		AmountAsCreditToUser: dec("75.00"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("created %d transactions, want 3 (repayment, account fee, credit)", len(ids))
	}

	txs, err := s.GetTransactionsForPayment(payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	var credit, accountFee *models.Transaction
	for _, tx := range txs {
		switch {
		case tx.Type == models.TransactionTypeCredit:
			credit = tx
		case tx.LoanID == nil && tx.Type == models.TransactionTypeRepayment:
			accountFee = tx
		}
	}
	if credit == nil || !credit.Amount.Equal(dec("75.00")) || credit.LoanID != nil {
		t.Errorf("credit transaction wrong: %+v", credit)
	}
	if accountFee == nil || !accountFee.ToFees.Equal(dec("25.00")) {
		t.Errorf("account fee transaction wrong: %+v", accountFee)
	}
}

func TestLineOfCreditSplitDriftRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", func(c *models.Contract) {
		c.ProductType = models.ProductLineOfCredit
	})
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	// Through Jan 10 the loan accrued 20.00 of interest.
	seedOutstanding(t, s, loan, "1000", "20.00", "0")
	payment := seedPayment(t, s, "co-1", "500", models.PaymentTypeRepayment)

	engine := NewEngine(s, nil)
	base := SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("500"),
		DepositDate:    dates.MustParseDay("2024-01-10"),
		SettlementDate: dates.MustParseDay("2024-01-10"),
		LoanIDs:        []uuid.UUID{loan.ID},
	}

	// Splits that ignore accrued interest disagree with the recomputation.
	drift := base
	drift.TransactionInputs = []TransactionInput{{
		LoanID: loan.ID, Amount: dec("500"), ToPrincipal: dec("500"),
	}}
	if _, err := engine.Settle(drift); !faults.IsKind(err, faults.Validation) {
		t.Fatalf("drifted splits: got %v, want validation fault", err)
	}

	// The recomputed waterfall pays interest first.
	ok := base
	ok.TransactionInputs = []TransactionInput{{
		LoanID: loan.ID, Amount: dec("500"),
		ToInterest: dec("20.00"), ToPrincipal: dec("480.00"),
	}}
	if _, err := engine.Settle(ok); err != nil {
		t.Fatalf("consistent splits rejected: %v", err)
	}
}

func TestSettleSettlementDateBeforeDepositRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")
	seedOutstanding(t, s, loan, "1000", "5.00", "0")
	payment := seedPayment(t, s, "co-1", "500.00", models.PaymentTypeRepayment)

	_, err := NewEngine(s, nil).Settle(SettleRequest{
		CompanyID:      "co-1",
		PaymentID:      payment.ID,
		Amount:         dec("500.00"),
		DepositDate:    dates.MustParseDay("2024-03-11"),
		SettlementDate: dates.MustParseDay("2024-03-09"),
		LoanIDs:        []uuid.UUID{loan.ID},
		TransactionInputs: []TransactionInput{{
			LoanID: loan.ID, Amount: dec("500.00"), ToPrincipal: dec("500.00"),
		}},
		SettledBy: "ops@crestfin",
	})
	if faults.KindOf(err) != faults.Validation {
		t.Fatalf("err = %v, want a validation fault", err)
	}

	stored, err := s.GetLoan(loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.OutstandingPrincipal.Equal(dec("1000")) {
		t.Errorf("principal mutated to %s on a rejected settlement", stored.OutstandingPrincipal)
	}
}
