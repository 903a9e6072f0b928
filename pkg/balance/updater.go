// Package balance drives the accrual calculator across all of a company's
// loans over a date range and persists the per-day results. Recomputation is
// a strict sequential fold over dates: each day depends only on the prior
// day's closing balances, all of which derive from persisted facts, so any
// range can be rerun and produce bit-identical rows.
package balance

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

// Options tunes one balance update run.
type Options struct {
	// UpdateDaysBack rewinds the start of the persisted range to repair gaps
	// or pick up late-arriving transactions.
	UpdateDaysBack int
	// IsPastDateDefault writes default zero summaries when the company has no
	// loans or contract yet; when false such a company is a validation fault.
	IsPastDateDefault bool
	IncludeDebugInfo  bool
}

// LoanUpdate is one loan's movement for one day.
type LoanUpdate struct {
	LoanID          uuid.UUID     `json:"loan_id"`
	Delta           accrual.Delta `json:"delta"`
	ShouldCloseLoan bool          `json:"should_close_loan"`
}

// DayUpdate is everything computed for one company-day.
type DayUpdate struct {
	Date        time.Time                `json:"date"`
	LoanUpdates []LoanUpdate             `json:"loan_updates"`
	Summary     *models.FinancialSummary `json:"summary_update"`
	Debug       map[string]string        `json:"debug,omitempty"`
}

// Updater orchestrates company balance recomputation.
type Updater struct {
	storage store.Storage
	logger  *zap.Logger
}

// NewUpdater creates an Updater. A nil logger is replaced with a no-op.
func NewUpdater(s store.Storage, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{storage: s, logger: logger}
}

// UpdateCompanyBalance recomputes a company's balances day by day through
// reportDate and persists the results atomically: a fatal error anywhere in
// the range aborts the whole update with no partial persistence. The returned
// map is keyed by date in YYYY-MM-DD form and only covers the persisted range.
func (u *Updater) UpdateCompanyBalance(companyID string, reportDate time.Time, opts Options) (map[string]*DayUpdate, error) {
	report := dates.Day(reportDate)

	contracts, err := u.storage.GetContractsByCompany(companyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load contracts", err)
	}
	loans, err := u.storage.GetLoansByCompany(companyID)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load loans", err)
	}

	cutoff := u.cutoffDate(contracts, loans)
	if cutoff == nil {
		if !opts.IsPastDateDefault {
			return nil, faults.Newf(faults.Validation, "company %s has no contract or loans to compute", companyID)
		}
		return u.defaultDays(companyID, report, opts)
	}
	if report.Before(*cutoff) {
		return nil, faults.Newf(faults.Validation,
			"report date %s precedes company activity starting %s",
			report.Format(dates.Layout), cutoff.Format(dates.Layout))
	}

	persistFrom := report
	if last, err := u.storage.GetLastSummaryDate(companyID); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load last summary date", err)
	} else if last != nil {
		persistFrom = dates.AddDays(*last, 1)
	} else {
		persistFrom = *cutoff
	}
	if opts.UpdateDaysBack > 0 {
		persistFrom = dates.MinDay(persistFrom, dates.AddDays(report, -opts.UpdateDaysBack))
	}
	persistFrom = dates.MaxDay(persistFrom, *cutoff)

	txs, err := u.storage.GetCompanyTransactionsInWindow(companyID, dates.AddDays(*cutoff, -366), report)
	if err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "load transactions", err)
	}
	byLoan := groupByLoan(txs)
	credits := accountCredits(txs)

	// The fold always starts at the cutoff so period accumulators and volume
	// tracking are complete regardless of where persistence resumes.
	states := make(map[uuid.UUID]accrual.LoanState, len(loans))
	for _, l := range loans {
		states[l.ID] = accrual.LoanState{
			OutstandingPrincipal: l.Principal,
			OutstandingInterest:  decimal.Zero,
			OutstandingFees:      decimal.Zero,
			ForInterestPrincipal: l.Principal,
		}
	}

	var (
		updates        = make(map[string]*DayUpdate)
		summaries      []*models.FinancialSummary
		periodAccrued  = decimal.Zero
		accountBalance = decimal.Zero
		volumeMet      bool
		volumeMetPrior bool
	)

	for date := *cutoff; !date.After(report); date = dates.AddDays(date, 1) {
		con := contract.ResolveAsOf(contracts, date)
		if con == nil {
			return nil, faults.Newf(faults.FatalComputation,
				"no contract governs %s on %s", companyID, date.Format(dates.Layout))
		}
		sched := contract.NewSchedule(con)
		duration := models.MinimumFeeMonthly
		if con.MinimumFee != nil {
			duration = con.MinimumFee.Duration
		}
		if date.Equal(dates.PeriodStart(date, duration)) {
			periodAccrued = decimal.Zero
		}
		volumeMetPrior = volumeMet

		day := &DayUpdate{Date: date}
		totalPrincipal, totalInterest, totalFees := decimal.Zero, decimal.Zero, decimal.Zero

		for _, loan := range loans {
			if dates.Day(loan.OriginationDate).After(date) {
				continue
			}
			loanTxs := byLoan[loan.ID]
			delta, err := accrual.AdvanceDay(states[loan.ID], loan, accrual.Day{
				Date:              date,
				Schedule:          sched,
				ThresholdMet:      volumeMetPrior,
				Transactions:      loanTxs,
				PendingSettlement: hasPendingSettlement(loanTxs, date),
				PeriodDuration:    duration,
			})
			if err != nil {
				u.logger.Error("accrual failed; aborting company range",
					zap.String("company_id", companyID),
					zap.String("loan_id", loan.ID.String()),
					zap.String("date", date.Format(dates.Layout)),
					zap.Error(err),
				)
				return nil, faults.Wrap(faults.FatalComputation, "accrual aborted", err)
			}
			states[loan.ID] = delta.State
			periodAccrued = periodAccrued.Add(delta.InterestAccrued)
			totalPrincipal = totalPrincipal.Add(delta.State.OutstandingPrincipal)
			totalInterest = totalInterest.Add(delta.State.OutstandingInterest)
			totalFees = totalFees.Add(delta.State.OutstandingFees)
			day.LoanUpdates = append(day.LoanUpdates, LoanUpdate{
				LoanID:          loan.ID,
				Delta:           delta,
				ShouldCloseLoan: delta.ShouldCloseLoan,
			})
		}

		if vol := contract.FundedVolume(con, loans, date); con.FactoringFeeThreshold != nil &&
			vol.GreaterThanOrEqual(con.FactoringFeeThreshold.Threshold) {
			if !volumeMet {
				u.logger.Info("volume threshold crossed; reduced rate applies from the next day",
					zap.String("company_id", companyID),
					zap.String("date", date.Format(dates.Layout)),
				)
			}
			volumeMet = true
		}

		accountBalance = accountBalance.Add(creditsOn(credits, date))

		cert, err := u.storage.GetLatestCertification(companyID, date)
		if err != nil {
			return nil, faults.Wrap(faults.FatalComputation, "load borrowing base certification", err)
		}

		summary := &models.FinancialSummary{
			CompanyID:                 companyID,
			Date:                      date,
			TotalOutstandingPrincipal: totalPrincipal,
			TotalOutstandingInterest:  totalInterest,
			TotalOutstandingFees:      totalFees,
			TotalLimit:                con.MaximumPrincipal,
			AdjustedTotalLimit:        contract.EffectiveLimit(con, cert),
			AccountBalance:            accountBalance,
			DayVolumeThresholdMet:     volumeMet,
		}
		if con.MinimumFee != nil {
			summary.MinimumInterest = accrual.Prorate(
				con.MinimumFee, con.StartDate, con.EndDate, date, periodAccrued,
			).MinimumInfo()
		}
		day.Summary = summary

		if !date.Before(persistFrom) {
			if opts.IncludeDebugInfo {
				day.Debug = map[string]string{
					"period_accrued": periodAccrued.String(),
					"threshold_met":  boolString(volumeMet),
				}
			}
			updates[date.Format(dates.Layout)] = day
			summaries = append(summaries, summary)
		}
	}

	for _, loan := range loans {
		st := states[loan.ID]
		loan.OutstandingPrincipal = st.OutstandingPrincipal
		loan.OutstandingInterest = st.OutstandingInterest
		loan.OutstandingFees = st.OutstandingFees
		loan.ForInterestPrincipal = st.ForInterestPrincipal
		loan.UpdatedAt = time.Now()
	}

	if err := u.storage.SaveCompanyDays(companyID, loans, summaries); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "persist company days", err)
	}

	u.logger.Info("company balances updated",
		zap.String("company_id", companyID),
		zap.String("report_date", report.Format(dates.Layout)),
		zap.Int("days_persisted", len(summaries)),
		zap.Int("loans", len(loans)),
	)
	return updates, nil
}

// cutoffDate is the first day of company activity: the earliest of any
// contract start or loan origination.
func (u *Updater) cutoffDate(contracts []*models.Contract, loans []*models.Loan) *time.Time {
	var cutoff *time.Time
	for _, c := range contracts {
		if c.Deleted {
			continue
		}
		d := dates.Day(c.StartDate)
		if cutoff == nil || d.Before(*cutoff) {
			cutoff = &d
		}
	}
	for _, l := range loans {
		d := dates.Day(l.OriginationDate)
		if cutoff == nil || d.Before(*cutoff) {
			cutoff = &d
		}
	}
	return cutoff
}

// defaultDays writes zero summaries for a company with no activity.
func (u *Updater) defaultDays(companyID string, report time.Time, opts Options) (map[string]*DayUpdate, error) {
	from := report
	if opts.UpdateDaysBack > 0 {
		from = dates.AddDays(report, -opts.UpdateDaysBack)
	}
	updates := make(map[string]*DayUpdate)
	var summaries []*models.FinancialSummary
	for date := from; !date.After(report); date = dates.AddDays(date, 1) {
		s := &models.FinancialSummary{CompanyID: companyID, Date: date}
		updates[date.Format(dates.Layout)] = &DayUpdate{Date: date, Summary: s}
		summaries = append(summaries, s)
	}
	if err := u.storage.SaveCompanyDays(companyID, nil, summaries); err != nil {
		return nil, faults.Wrap(faults.FatalComputation, "persist default days", err)
	}
	return updates, nil
}

func groupByLoan(txs []*models.Transaction) map[uuid.UUID][]*models.Transaction {
	byLoan := make(map[uuid.UUID][]*models.Transaction)
	for _, tx := range txs {
		if tx.LoanID != nil {
			byLoan[*tx.LoanID] = append(byLoan[*tx.LoanID], tx)
		}
	}
	return byLoan
}

func accountCredits(txs []*models.Transaction) []*models.Transaction {
	var credits []*models.Transaction
	for _, tx := range txs {
		if tx.LoanID == nil && tx.Type == models.TransactionTypeCredit {
			credits = append(credits, tx)
		}
	}
	return credits
}

func creditsOn(credits []*models.Transaction, date time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range credits {
		if dates.SameDay(tx.EffectiveDate, date) {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

// hasPendingSettlement reports whether a deposited repayment has not yet
// reached its settlement date as of the given day.
func hasPendingSettlement(txs []*models.Transaction, date time.Time) bool {
	for _, tx := range txs {
		if !dates.Day(tx.DepositDate).After(date) && dates.Day(tx.EffectiveDate).After(date) {
			return true
		}
	}
	return false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
