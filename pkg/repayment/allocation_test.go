package repayment

import (
	"testing"
	"time"

	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/models"
	"github.com/crestfin/lending/pkg/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedContract(t *testing.T, s store.Storage, companyID string, mutate func(*models.Contract)) *models.Contract {
	t.Helper()
	con := &models.Contract{
		ID:               uuid.New(),
		CompanyID:        companyID,
		ProductType:      models.ProductInvoiceFinancing,
		StartDate:        dates.MustParseDay("2024-01-01"),
		InterestRate:     dec("0.002"),
		MaximumPrincipal: dec("100000"),
		CreatedAt:        time.Now(),
	}
	if mutate != nil {
		mutate(con)
	}
	if err := s.CreateContract(con); err != nil {
		t.Fatal(err)
	}
	return con
}

func seedLoan(t *testing.T, s store.Storage, companyID, principal, origination, maturity string) *models.Loan {
	t.Helper()
	loan := &models.Loan{
		ID:                   uuid.New(),
		CompanyID:            companyID,
		Principal:            dec(principal),
		OriginationDate:      dates.MustParseDay(origination),
		AdjustedMaturityDate: dates.MustParseDay(maturity),
		OutstandingPrincipal: dec(principal),
		ForInterestPrincipal: dec(principal),
		PaymentStatus:        models.PaymentStatusFunded,
	}
	if err := s.CreateLoan(loan); err != nil {
		t.Fatal(err)
	}
	return loan
}

func TestCustomAmountSpilloverAndCredit(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loanA := seedLoan(t, s, "co-1", "20.00", "2024-03-01", "2024-06-01")
	loanB := seedLoan(t, s, "co-1", "30.00", "2024-03-03", "2024-06-01")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  CustomAmount,
		Amount:         dec("105.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-09"),
		LoanIDs:        []uuid.UUID{loanA.ID, loanB.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Loan A carries 9 days of 0.04 interest (0.36), loan B 7 days of 0.06
	// (0.42). Both pay off in full and the rest is credited back.
	if len(effect.LoansToShow) != 2 {
		t.Fatalf("got %d loan effects, want 2", len(effect.LoansToShow))
	}
	a := effect.LoansToShow[0]
	if !a.Transaction.Amount.Equal(dec("20.36")) || !a.Transaction.ToInterest.Equal(dec("0.36")) {
		t.Errorf("loan A tx = %s (interest %s), want 20.36 (0.36)", a.Transaction.Amount, a.Transaction.ToInterest)
	}
	b := effect.LoansToShow[1]
	if !b.Transaction.Amount.Equal(dec("30.42")) || !b.Transaction.ToInterest.Equal(dec("0.42")) {
		t.Errorf("loan B tx = %s (interest %s), want 30.42 (0.42)", b.Transaction.Amount, b.Transaction.ToInterest)
	}
	if !effect.AmountAsCreditToUser.Equal(dec("54.22")) {
		t.Errorf("credit to user = %s, want 54.22", effect.AmountAsCreditToUser)
	}
	if !a.AfterLoanBalance.Total().IsZero() || !b.AfterLoanBalance.Total().IsZero() {
		t.Error("loans not fully paid off")
	}

	assertConservation(t, effect)
}

func assertConservation(t *testing.T, effect *Effect) {
	t.Helper()
	total := effect.AmountToAccountFees.Add(effect.AmountAsCreditToUser)
	for _, le := range effect.LoansToShow {
		total = total.Add(le.Transaction.Amount)
		split := le.Transaction.ToPrincipal.Add(le.Transaction.ToInterest).Add(le.Transaction.ToFees)
		if !le.Transaction.Amount.Equal(split) {
			t.Errorf("loan %s: amount %s != split %s", le.LoanID, le.Transaction.Amount, split)
		}
	}
	if !total.Equal(effect.AmountToPay) {
		t.Errorf("allocation leaks money: parts sum to %s, amount to pay %s", total, effect.AmountToPay)
	}
}

func TestAccountFeesComeOffTheTop(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loanA := seedLoan(t, s, "co-1", "20.00", "2024-03-01", "2024-06-01")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  CustomAmount,
		Amount:         dec("105.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-09"),
		LoanIDs:        []uuid.UUID{loanA.ID},
		ToAccountFees:  dec("5.00"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !effect.AmountToAccountFees.Equal(dec("5.00")) {
		t.Errorf("account fees = %s, want 5.00", effect.AmountToAccountFees)
	}
	if !effect.AmountAsCreditToUser.Equal(dec("79.64")) {
		t.Errorf("credit = %s, want 79.64", effect.AmountAsCreditToUser)
	}
	assertConservation(t, effect)
}

func TestPayInFullIncludesLateFees(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", func(c *models.Contract) {
		c.LateFeeTiers = []models.LateFeeTier{{FromDay: 1, Multiplier: dec("0.25")}}
	})
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-03-01")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  PayInFull,
		DepositDate:    dates.MustParseDay("2024-03-06"),
		SettlementDate: dates.MustParseDay("2024-03-06"),
		LoanIDs:        []uuid.UUID{loan.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	// 66 days of interest at 2.00 plus 5 overdue days of fees at 0.50.
	if !effect.AmountToPay.Equal(dec("1134.50")) {
		t.Errorf("payoff = %s, want 1134.50", effect.AmountToPay)
	}
	tx := effect.LoansToShow[0].Transaction
	if !tx.ToInterest.Equal(dec("132.00")) || !tx.ToFees.Equal(dec("2.50")) || !tx.ToPrincipal.Equal(dec("1000")) {
		t.Errorf("split = p %s / i %s / f %s", tx.ToPrincipal, tx.ToInterest, tx.ToFees)
	}
	if !effect.AmountAsCreditToUser.IsZero() {
		t.Errorf("pay_in_full produced credit %s", effect.AmountAsCreditToUser)
	}
	assertConservation(t, effect)
}

func TestPayMinimumDueOnCurrentLoanSkipsPrincipal(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "20.00", "2024-03-01", "2024-06-01")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  PayMinimumDue,
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-11"),
		LoanIDs:        []uuid.UUID{loan.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The loan is current, so only interest accrued through the deposit date
	// is due. Principal stays untouched.
	tx := effect.LoansToShow[0].Transaction
	if !tx.ToPrincipal.IsZero() {
		t.Errorf("minimum-due touched principal: %s", tx.ToPrincipal)
	}
	if !tx.ToInterest.Equal(dec("0.36")) {
		t.Errorf("minimum-due interest = %s, want 0.36", tx.ToInterest)
	}
	if !effect.AmountToPay.Equal(dec("0.36")) {
		t.Errorf("amount to pay = %s, want 0.36", effect.AmountToPay)
	}
	assertConservation(t, effect)
}

func TestPayMinimumDueOnOverdueLoanPaysInFull(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-03-01")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  PayMinimumDue,
		DepositDate:    dates.MustParseDay("2024-03-06"),
		SettlementDate: dates.MustParseDay("2024-03-06"),
		LoanIDs:        []uuid.UUID{loan.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	tx := effect.LoansToShow[0].Transaction
	if !tx.ToPrincipal.Equal(dec("1000")) {
		t.Errorf("overdue minimum-due principal = %s, want full 1000", tx.ToPrincipal)
	}
	assertConservation(t, effect)
}

func TestPrincipalFirstWaterfall(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "20.00", "2024-03-01", "2024-06-01")

	req := EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  CustomAmount,
		Amount:         dec("10.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-09"),
		LoanIDs:        []uuid.UUID{loan.ID},
	}

	effect, err := NewEngine(s, nil).CalculateEffect(req)
	if err != nil {
		t.Fatal(err)
	}
	tx := effect.LoansToShow[0].Transaction
	if !tx.ToInterest.Equal(dec("0.36")) || !tx.ToPrincipal.Equal(dec("9.64")) {
		t.Errorf("default waterfall = i %s / p %s, want 0.36 / 9.64", tx.ToInterest, tx.ToPrincipal)
	}

	req.ShouldPayPrincipalFirst = true
	effect, err = NewEngine(s, nil).CalculateEffect(req)
	if err != nil {
		t.Fatal(err)
	}
	tx = effect.LoansToShow[0].Transaction
	if !tx.ToPrincipal.Equal(dec("10.00")) || !tx.ToInterest.IsZero() {
		t.Errorf("principal-first waterfall = p %s / i %s, want 10.00 / 0", tx.ToPrincipal, tx.ToInterest)
	}
}

func TestPastDueLoansNotSelectedAreReported(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	current := seedLoan(t, s, "co-1", "20.00", "2024-03-01", "2024-06-01")
	overdue := seedLoan(t, s, "co-1", "50.00", "2024-01-01", "2024-03-05")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  CustomAmount,
		Amount:         dec("10.00"),
		DepositDate:    dates.MustParseDay("2024-03-09"),
		SettlementDate: dates.MustParseDay("2024-03-09"),
		LoanIDs:        []uuid.UUID{current.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(effect.LoansPastDueButNotSelected) != 1 || effect.LoansPastDueButNotSelected[0] != overdue.ID {
		t.Errorf("past due not selected = %v, want [%s]", effect.LoansPastDueButNotSelected, overdue.ID)
	}
}

func TestEffectValidation(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", nil)
	loan := seedLoan(t, s, "co-1", "20.00", "2024-03-01", "2024-06-01")
	engine := NewEngine(s, nil)

	cases := map[string]EffectRequest{
		"unknown loan": {
			CompanyID:     "co-1",
			PaymentOption: CustomAmount,
			Amount:        dec("10"),
			DepositDate:   dates.MustParseDay("2024-03-09"), SettlementDate: dates.MustParseDay("2024-03-09"),
			LoanIDs: []uuid.UUID{uuid.New()},
		},
		"settlement before deposit": {
			CompanyID:     "co-1",
			PaymentOption: CustomAmount,
			Amount:        dec("10"),
			DepositDate:   dates.MustParseDay("2024-03-09"), SettlementDate: dates.MustParseDay("2024-03-08"),
			LoanIDs: []uuid.UUID{loan.ID},
		},
		"non-positive custom amount": {
			CompanyID:     "co-1",
			PaymentOption: CustomAmount,
			DepositDate:   dates.MustParseDay("2024-03-09"), SettlementDate: dates.MustParseDay("2024-03-09"),
			LoanIDs: []uuid.UUID{loan.ID},
		},
		"fees exceed amount": {
			CompanyID:     "co-1",
			PaymentOption: CustomAmount,
			Amount:        dec("10"),
			ToAccountFees: dec("20"),
			DepositDate:   dates.MustParseDay("2024-03-09"), SettlementDate: dates.MustParseDay("2024-03-09"),
			LoanIDs: []uuid.UUID{loan.ID},
		},
		"no loans and no fees": {
			CompanyID:     "co-1",
			PaymentOption: CustomAmount,
			Amount:        dec("10"),
			DepositDate:   dates.MustParseDay("2024-03-09"), SettlementDate: dates.MustParseDay("2024-03-09"),
		},
	}
	for name, req := range cases {
		if _, err := engine.CalculateEffect(req); !faults.IsKind(err, faults.Validation) {
			t.Errorf("%s: got %v, want validation fault", name, err)
		}
	}
}

func TestClosedLoanVolumeCountsTowardThreshold(t *testing.T) {
	s := store.NewMemoryStore()
	seedContract(t, s, "co-1", func(con *models.Contract) {
		con.StartDate = dates.MustParseDay("2023-12-01")
		con.FactoringFeeThreshold = &models.FactoringFeeThreshold{
			Threshold:          dec("1500"),
			AdjustedPercentage: dec("0.001"),
		}
	})
	// A repaid loan no longer shows up in the open set, but the volume it
	// funded still counts toward the threshold.
	closed := &models.Loan{
		ID:                   uuid.New(),
		CompanyID:            "co-1",
		Principal:            dec("2000"),
		OriginationDate:      dates.MustParseDay("2023-12-01"),
		AdjustedMaturityDate: dates.MustParseDay("2023-12-20"),
		PaymentStatus:        models.PaymentStatusClosed,
	}
	if err := s.CreateLoan(closed); err != nil {
		t.Fatal(err)
	}
	open := seedLoan(t, s, "co-1", "1000", "2024-01-01", "2024-06-01")

	effect, err := NewEngine(s, nil).CalculateEffect(EffectRequest{
		CompanyID:      "co-1",
		PaymentOption:  PayInFull,
		DepositDate:    dates.MustParseDay("2024-01-10"),
		SettlementDate: dates.MustParseDay("2024-01-10"),
		LoanIDs:        []uuid.UUID{open.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The threshold was crossed in December, so all 10 accrual days of the
	// open loan use the adjusted 0.001 rate: 10 x 1.00, not 10 x 2.00.
	tx := effect.LoansToShow[0].Transaction
	if !tx.ToInterest.Equal(dec("10.00")) {
		t.Errorf("quoted interest = %s, want 10.00", tx.ToInterest)
	}
	if !effect.AmountToPay.Equal(dec("1010.00")) {
		t.Errorf("amount to pay = %s, want 1010.00", effect.AmountToPay)
	}
}
