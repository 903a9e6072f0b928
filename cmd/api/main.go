package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crestfin/lending/pkg/balance"
	"github.com/crestfin/lending/pkg/config"
	"github.com/crestfin/lending/pkg/contract"
	"github.com/crestfin/lending/pkg/dates"
	"github.com/crestfin/lending/pkg/faults"
	"github.com/crestfin/lending/pkg/funding"
	"github.com/crestfin/lending/pkg/models"
	"github.com/crestfin/lending/pkg/repayment"
	"github.com/crestfin/lending/pkg/store"
)

// Server wires the engines to the HTTP surface.
type Server struct {
	storage   store.Storage
	updater   *balance.Updater
	repayment *repayment.Engine
	funding   *funding.Service
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewServer(s store.Storage, logger *zap.Logger) *Server {
	return &Server{
		storage:   s,
		updater:   balance.NewUpdater(s, logger),
		repayment: repayment.NewEngine(s, logger),
		funding:   funding.NewService(s, logger),
		validate:  validator.New(),
		logger:    logger,
	}
}

func (s *Server) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/contracts", s.createContractHandler).Methods("POST")
	router.HandleFunc("/loans", s.fundLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/maturity", s.adjustMaturityHandler).Methods("PUT")
	router.HandleFunc("/companies/{id}/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/companies/{id}/summaries", s.listSummariesHandler).Methods("GET")
	router.HandleFunc("/companies/{id}/borrowing-base", s.createCertificationHandler).Methods("POST")
	router.HandleFunc("/companies/{id}/balance-updates", s.balanceUpdateHandler).Methods("POST")
	router.HandleFunc("/companies/{id}/repayments/effect", s.repaymentEffectHandler).Methods("POST")
	router.HandleFunc("/companies/{id}/repayments/settle", s.settleRepaymentHandler).Methods("POST")
	router.HandleFunc("/companies/{id}/payments", s.createPaymentHandler).Methods("POST")
	return router
}

// writeFault maps the fault taxonomy to HTTP status codes.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.Validation:
		status = http.StatusBadRequest
	case faults.AlreadySettled:
		status = http.StatusConflict
	case faults.InvariantViolation:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(faults.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeFault(w, faults.Wrap(faults.Validation, "malformed request body", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeFault(w, faults.Newf(faults.Validation, "invalid request: %s", verrs.Error()))
			return false
		}
		s.writeFault(w, faults.Wrap(faults.Validation, "invalid request", err))
		return false
	}
	return true
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, faults.New(faults.Validation, "missing date")
	}
	t, err := time.ParseInLocation(dates.Layout, s, time.UTC)
	if err != nil {
		return time.Time{}, faults.Newf(faults.Validation, "invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

type contractRequest struct {
	CompanyID    string          `json:"company_id" validate:"required"`
	ProductType  string          `json:"product_type" validate:"required,oneof=invoice_financing line_of_credit"`
	StartDate    string          `json:"start_date" validate:"required"`
	EndDate      string          `json:"end_date"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	DynamicRates []struct {
		StartDate string          `json:"start_date" validate:"required"`
		EndDate   string          `json:"end_date"`
		Rate      decimal.Decimal `json:"rate"`
	} `json:"dynamic_interest_rate"`
	MinimumFeeAmount      *decimal.Decimal                `json:"minimum_fee_amount"`
	MinimumFeeDuration    string                          `json:"minimum_fee_duration" validate:"omitempty,oneof=monthly quarterly annually"`
	LateFeeStructure      []models.LateFeeTier            `json:"late_fee_structure"`
	MaximumPrincipal      decimal.Decimal                 `json:"maximum_principal_amount"`
	FactoringFeeThreshold *models.FactoringFeeThreshold   `json:"factoring_fee_threshold"`
	BorrowingBase         models.BorrowingBasePercentages `json:"borrowing_base_percentages"`
}

func (s *Server) createContractHandler(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if !s.decode(w, r, &req) {
		return
	}
	start, err := parseDay(req.StartDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	con := &models.Contract{
		ID:                    uuid.New(),
		CompanyID:             req.CompanyID,
		ProductType:           models.ProductType(req.ProductType),
		StartDate:             start,
		InterestRate:          req.InterestRate,
		LateFeeTiers:          req.LateFeeStructure,
		MaximumPrincipal:      req.MaximumPrincipal,
		FactoringFeeThreshold: req.FactoringFeeThreshold,
		BorrowingBase:         req.BorrowingBase,
		CreatedAt:             time.Now(),
	}
	if req.EndDate != "" {
		if con.EndDate, err = parseDay(req.EndDate); err != nil {
			s.writeFault(w, err)
			return
		}
	}
	for _, seg := range req.DynamicRates {
		segStart, err := parseDay(seg.StartDate)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		out := models.DateRangeRate{StartDate: segStart, Rate: seg.Rate}
		if seg.EndDate != "" {
			if out.EndDate, err = parseDay(seg.EndDate); err != nil {
				s.writeFault(w, err)
				return
			}
		}
		con.DynamicRates = append(con.DynamicRates, out)
	}
	if req.MinimumFeeAmount != nil {
		con.MinimumFee = &models.MinimumFee{
			Amount:   *req.MinimumFeeAmount,
			Duration: models.MinimumFeeDuration(req.MinimumFeeDuration),
		}
	}
	if err := contract.NewSchedule(con).Validate(); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.storage.CreateContract(con); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, con)
}

type fundLoanRequest struct {
	CompanyID       string          `json:"company_id" validate:"required"`
	ArtifactKey     string          `json:"artifact_key"`
	Principal       decimal.Decimal `json:"principal" validate:"required"`
	OriginationDate string          `json:"origination_date" validate:"required"`
	MaturityDate    string          `json:"maturity_date" validate:"required"`
}

func (s *Server) fundLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req fundLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	origination, err := parseDay(req.OriginationDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	maturity, err := parseDay(req.MaturityDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	loan, err := s.funding.FundLoan(funding.Request{
		CompanyID:       req.CompanyID,
		ArtifactKey:     req.ArtifactKey,
		Principal:       req.Principal,
		OriginationDate: origination,
		MaturityDate:    maturity,
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeFault(w, faults.New(faults.Validation, "invalid loan ID"))
		return
	}
	loan, err := s.storage.GetLoan(loanID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "loan not found"})
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type adjustMaturityRequest struct {
	MaturityDate string `json:"maturity_date" validate:"required"`
}

func (s *Server) adjustMaturityHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeFault(w, faults.New(faults.Validation, "invalid loan ID"))
		return
	}
	var req adjustMaturityRequest
	if !s.decode(w, r, &req) {
		return
	}
	date, err := parseDay(req.MaturityDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	loan, err := s.funding.AdjustMaturityDate(loanID, date)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.storage.GetLoansByCompany(mux.Vars(r)["id"])
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) listSummariesHandler(w http.ResponseWriter, r *http.Request) {
	from, err := parseDay(r.URL.Query().Get("from"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	summaries, err := s.storage.GetSummariesInRange(mux.Vars(r)["id"], from, to)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type certificationRequest struct {
	CertifiedDate      string          `json:"certified_date" validate:"required"`
	AccountsReceivable decimal.Decimal `json:"accounts_receivable"`
	Inventory          decimal.Decimal `json:"inventory"`
	Cash               decimal.Decimal `json:"cash"`
}

func (s *Server) createCertificationHandler(w http.ResponseWriter, r *http.Request) {
	var req certificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	date, err := parseDay(req.CertifiedDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	cert := &models.BorrowingBaseCertification{
		ID:                 uuid.New(),
		CompanyID:          mux.Vars(r)["id"],
		CertifiedDate:      date,
		AccountsReceivable: req.AccountsReceivable,
		Inventory:          req.Inventory,
		Cash:               req.Cash,
		CreatedAt:          time.Now(),
	}
	if err := s.storage.CreateCertification(cert); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cert)
}

type balanceUpdateRequest struct {
	ReportDate        string `json:"report_date" validate:"required"`
	UpdateDaysBack    int    `json:"update_days_back" validate:"gte=0"`
	IsPastDateDefault bool   `json:"is_past_date_default_val"`
	IncludeDebugInfo  bool   `json:"include_debug_info"`
}

func (s *Server) balanceUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req balanceUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	reportDate, err := parseDay(req.ReportDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	updates, err := s.updater.UpdateCompanyBalance(mux.Vars(r)["id"], reportDate, balance.Options{
		UpdateDaysBack:    req.UpdateDaysBack,
		IsPastDateDefault: req.IsPastDateDefault,
		IncludeDebugInfo:  req.IncludeDebugInfo,
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

type itemsCovered struct {
	LoanIDs       []uuid.UUID     `json:"loan_ids"`
	ToAccountFees decimal.Decimal `json:"to_account_fees"`
}

type repaymentEffectRequest struct {
	PaymentOption           string          `json:"payment_option" validate:"required,oneof=custom_amount pay_minimum_due pay_in_full"`
	Amount                  decimal.Decimal `json:"amount"`
	DepositDate             string          `json:"deposit_date" validate:"required"`
	SettlementDate          string          `json:"settlement_date" validate:"required"`
	ItemsCovered            itemsCovered    `json:"items_covered"`
	ShouldPayPrincipalFirst bool            `json:"should_pay_principal_first"`
}

func (s *Server) repaymentEffectHandler(w http.ResponseWriter, r *http.Request) {
	var req repaymentEffectRequest
	if !s.decode(w, r, &req) {
		return
	}
	deposit, err := parseDay(req.DepositDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	settlement, err := parseDay(req.SettlementDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	effect, err := s.repayment.CalculateEffect(repayment.EffectRequest{
		CompanyID:               mux.Vars(r)["id"],
		PaymentOption:           repayment.PaymentOption(req.PaymentOption),
		Amount:                  req.Amount,
		DepositDate:             deposit,
		SettlementDate:          settlement,
		LoanIDs:                 req.ItemsCovered.LoanIDs,
		ToAccountFees:           req.ItemsCovered.ToAccountFees,
		ShouldPayPrincipalFirst: req.ShouldPayPrincipalFirst,
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, effect)
}

type createPaymentRequest struct {
	Type            string          `json:"type" validate:"required,oneof=repayment advance"`
	RequestedAmount decimal.Decimal `json:"requested_amount" validate:"required"`
	DepositDate     string          `json:"deposit_date" validate:"required"`
	PaymentDate     string          `json:"payment_date"`
}

func (s *Server) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	deposit, err := parseDay(req.DepositDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	payment := &models.Payment{
		ID:              uuid.New(),
		CompanyID:       mux.Vars(r)["id"],
		Type:            models.PaymentType(req.Type),
		RequestedAmount: req.RequestedAmount,
		Amount:          req.RequestedAmount,
		DepositDate:     deposit,
		CreatedAt:       time.Now(),
	}
	if req.PaymentDate != "" {
		if payment.PaymentDate, err = parseDay(req.PaymentDate); err != nil {
			s.writeFault(w, err)
			return
		}
	}
	if err := s.storage.CreatePayment(payment); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

type settleRequest struct {
	PaymentID            uuid.UUID                    `json:"payment_id" validate:"required"`
	Amount               decimal.Decimal              `json:"amount" validate:"required"`
	DepositDate          string                       `json:"deposit_date" validate:"required"`
	SettlementDate       string                       `json:"settlement_date" validate:"required"`
	ItemsCovered         itemsCovered                 `json:"items_covered"`
	TransactionInputs    []repayment.TransactionInput `json:"transaction_inputs"`
	AmountAsCreditToUser decimal.Decimal              `json:"amount_as_credit_to_user"`
	SettledBy            string                       `json:"settled_by"`
}

func (s *Server) settleRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !s.decode(w, r, &req) {
		return
	}
	deposit, err := parseDay(req.DepositDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	settlement, err := parseDay(req.SettlementDate)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	ids, err := s.repayment.Settle(repayment.SettleRequest{
		CompanyID:            mux.Vars(r)["id"],
		PaymentID:            req.PaymentID,
		Amount:               req.Amount,
		DepositDate:          deposit,
		SettlementDate:       settlement,
		LoanIDs:              req.ItemsCovered.LoanIDs,
		ToAccountFees:        req.ItemsCovered.ToAccountFees,
		TransactionInputs:    req.TransactionInputs,
		AmountAsCreditToUser: req.AmountAsCreditToUser,
		SettledBy:            req.SettledBy,
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]uuid.UUID{"transaction_ids": ids})
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "", "info":
		level = zapcore.InfoLevel
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "", "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func main() {
	configLocation := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configLocation)
	if err != nil {
		fmt.Printf("{\"level\": \"fatal\", \"msg\": \"failed to load configuration at %s\", \"error\": \"%v\"}\n", *configLocation, err)
		return
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("{\"level\": \"fatal\", \"msg\": \"failed to initialize logger\", \"error\": \"%v\"}\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize SQLite store", zap.Error(err))
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("server starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server.router()); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
