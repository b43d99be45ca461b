package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
)

// TeacherFailure is a teacher whose payouts could not be built in a batch run.
type TeacherFailure struct {
	TeacherID uuid.UUID `json:"teacher_id"`
	Error     string    `json:"error"`
}

// PayoutBatchReport summarizes one BuildPayoutBatch run.
type PayoutBatchReport struct {
	Period       string           `json:"period"`
	Transactions int              `json:"transactions"`
	Teachers     int              `json:"teachers"`
	Created      []domain.Payout  `json:"created"`
	Skipped      int              `json:"skipped"`
	Failures     []TeacherFailure `json:"failures"`
}

type teacherResult struct {
	created []domain.Payout
	skipped int
	err     error
}

// BuildPayoutBatch aggregates the settleable transactions paid during period into one
// PENDING payout per (teacher, revenue share percentage). Each transaction is split with
// the config active on its paid date. Teachers are processed concurrently; a teacher whose
// transactions cannot all be resolved gets no payout and is reported as a failure.
func (s *Service) BuildPayoutBatch(ctx context.Context, period string) (*PayoutBatchReport, error) {
	start, end, err := domain.ParsePeriod(period, s.settings.Location)
	if err != nil {
		return nil, err
	}
	report := &PayoutBatchReport{Period: period}

	txs, err := s.repo.ListSettleableTransactions(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list settleable transactions: %w", err)
	}
	configs, err := s.repo.ListRevenueShareConfigs(ctx, store.RevenueShareFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list revenue share configs: %w", err)
	}
	report.Transactions = len(txs)

	byTeacher := make(map[uuid.UUID][]domain.PaymentTransaction)
	for _, tx := range txs {
		byTeacher[tx.TeacherID] = append(byTeacher[tx.TeacherID], tx)
	}
	report.Teachers = len(byTeacher)
	if len(byTeacher) == 0 {
		s.logger.Info("no settleable transactions for period", zap.String("period", period))
		return report, nil
	}

	pool, err := ants.NewPool(s.settings.PayoutWorkers)
	if err != nil {
		return nil, fmt.Errorf("create payout worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[uuid.UUID]teacherResult, len(byTeacher))
	)
	for teacherID, teacherTxs := range byTeacher {
		teacherID, teacherTxs := teacherID, teacherTxs
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			res := s.settleTeacher(ctx, period, teacherID, teacherTxs, configs)
			mu.Lock()
			results[teacherID] = res
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			results[teacherID] = teacherResult{err: fmt.Errorf("submit payout task: %w", submitErr)}
			mu.Unlock()
		}
	}
	wg.Wait()

	teacherIDs := make([]uuid.UUID, 0, len(results))
	for id := range results {
		teacherIDs = append(teacherIDs, id)
	}
	sort.Slice(teacherIDs, func(i, j int) bool { return teacherIDs[i].String() < teacherIDs[j].String() })
	for _, id := range teacherIDs {
		res := results[id]
		report.Created = append(report.Created, res.created...)
		report.Skipped += res.skipped
		if res.err != nil {
			report.Failures = append(report.Failures, TeacherFailure{TeacherID: id, Error: res.err.Error()})
		}
	}

	s.logger.Info("payout batch finished",
		zap.String("period", period),
		zap.Int("transactions", report.Transactions),
		zap.Int("teachers", report.Teachers),
		zap.Int("payouts_created", len(report.Created)),
		zap.Int("skipped", report.Skipped),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

type percentageGroup struct {
	percentage decimal.Decimal
	total      decimal.Decimal
	items      []domain.PayoutItem
}

func (s *Service) settleTeacher(ctx context.Context, period string, teacherID uuid.UUID, txs []domain.PaymentTransaction, configs []domain.RevenueShareConfig) teacherResult {
	log := s.logger.With(zap.String("period", period), zap.String("teacher_id", teacherID.String()))

	groups := make(map[string]*percentageGroup)
	var order []string
	for i := range txs {
		tx := &txs[i]
		if tx.Currency != s.settings.DefaultCurrency {
			log.Warn("transaction currency differs from settlement currency; skipped",
				zap.String("transaction_id", tx.ID.String()),
				zap.String("currency", tx.Currency),
			)
			continue
		}
		paidOn := domain.CivilDate(*tx.PaidAt, s.settings.Location)
		cfg, err := domain.ResolveRevenueShare(configs, tx.CategoryID, paidOn)
		if err != nil {
			var gap *domain.ConfigGapError
			if errors.As(err, &gap) {
				log.Error("revenue share config gap; teacher payout halted",
					zap.String("transaction_id", tx.ID.String()),
					zap.String("category", scopeLabel(tx.CategoryID)),
					zap.String("paid_on", paidOn.Format(domain.DateLayout)),
					zap.Error(err),
				)
			} else {
				log.Error("revenue share resolution failed; teacher payout halted",
					zap.String("transaction_id", tx.ID.String()),
					zap.Error(err),
				)
			}
			return teacherResult{err: err}
		}

		net := tx.NetAmount.Decimal
		teacherShare := domain.PercentOf(net, cfg.Percentage)
		key := cfg.Percentage.StringFixed(domain.RateScale)
		group, ok := groups[key]
		if !ok {
			group = &percentageGroup{percentage: cfg.Percentage, total: decimal.Zero}
			groups[key] = group
			order = append(order, key)
		}
		group.total = group.total.Add(net)
		group.items = append(group.items, domain.PayoutItem{
			TransactionID:   tx.ID,
			NetAmount:       net,
			Percentage:      cfg.Percentage,
			TeacherRevenue:  teacherShare,
			PlatformRevenue: net.Sub(teacherShare),
			ConfigID:        cfg.ID,
		})
	}
	if len(order) == 0 {
		return teacherResult{}
	}

	dest, err := s.payoutDestination(ctx, teacherID)
	if err != nil {
		log.Error("failed to load teacher payout profile", zap.Error(err))
		return teacherResult{err: err}
	}

	var res teacherResult
	for _, key := range order {
		group := groups[key]
		payout, err := s.buildPayout(teacherID, period, group, dest)
		if err != nil {
			log.Error("failed to build payout", zap.String("percentage", key), zap.Error(err))
			res.err = err
			continue
		}
		for i := range group.items {
			group.items[i].PayoutID = payout.ID
		}

		if err := s.repo.CreatePayoutWithItems(ctx, payout, group.items); err != nil {
			switch {
			case errors.Is(err, store.ErrPayoutExists):
				log.Warn("payout already exists for period and percentage; late transactions left unsettled",
					zap.String("percentage", key),
					zap.Int("transactions", len(group.items)),
				)
				res.skipped++
			case errors.Is(err, store.ErrTransactionAlreadySettled):
				log.Warn("transaction settled concurrently; payout skipped", zap.String("percentage", key), zap.Error(err))
				res.skipped++
			default:
				log.Error("failed to persist payout", zap.String("percentage", key), zap.Error(err))
				res.err = err
			}
			continue
		}

		log.Info("payout created",
			zap.String("payout_id", payout.ID.String()),
			zap.String("percentage", key),
			zap.String("total_revenue", payout.TotalRevenue.Decimal.String()),
			zap.String("amount", payout.Amount.String()),
		)
		s.publishPayout(ctx, domain.EventPayoutCreated, payout)
		res.created = append(res.created, *payout)
	}
	return res
}

func (s *Service) buildPayout(teacherID uuid.UUID, period string, group *percentageGroup, dest domain.BankDestination) (*domain.Payout, error) {
	now := s.now()
	payout, err := domain.NewPayout(teacherID, period, s.settings.DefaultCurrency, group.total, group.percentage, len(group.items), dest, now)
	if err != nil {
		return nil, err
	}
	if err := payout.CalculateAmount(now); err != nil {
		return nil, err
	}
	fee := s.settings.PayoutTransferFee
	if fee.IsPositive() && !fee.GreaterThan(payout.Amount) {
		if err := payout.SetTransferFee(fee); err != nil {
			return nil, err
		}
	}
	return payout, nil
}

func (s *Service) payoutDestination(ctx context.Context, teacherID uuid.UUID) (domain.BankDestination, error) {
	if s.catalog == nil {
		return domain.BankDestination{}, nil
	}
	profile, err := s.catalog.GetTeacherPayoutProfile(ctx, teacherID)
	if err != nil {
		if errors.Is(err, catalogclient.ErrPayoutProfileNotFound) {
			s.logger.Warn("teacher has no payout profile; payout created without bank destination", zap.String("teacher_id", teacherID.String()))
			return domain.BankDestination{}, nil
		}
		return domain.BankDestination{}, err
	}
	return domain.BankDestination{
		BankName:      profile.BankName,
		AccountNumber: profile.AccountNumber,
		AccountName:   profile.AccountName,
	}, nil
}

// PayoutDetail is a payout with the transactions it settles.
type PayoutDetail struct {
	Payout domain.Payout       `json:"payout"`
	Items  []domain.PayoutItem `json:"items"`
}

// GetPayout loads a payout and its items.
func (s *Service) GetPayout(ctx context.Context, id uuid.UUID) (*PayoutDetail, error) {
	p, err := s.repo.FindPayoutByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListPayoutItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PayoutDetail{Payout: *p, Items: items}, nil
}

// ListPayouts returns payouts matching filter.
func (s *Service) ListPayouts(ctx context.Context, filter store.PayoutFilter) ([]domain.Payout, error) {
	return s.repo.ListPayouts(ctx, filter)
}

// CompletePayout records the bank transfer that paid a PENDING payout.
func (s *Service) CompletePayout(ctx context.Context, id uuid.UUID, bankTransactionID, processedBy string) (*domain.Payout, error) {
	now := s.now()
	p, err := s.repo.UpdatePayoutLocked(ctx, id, func(p *domain.Payout) (bool, error) {
		return true, p.MarkAsCompleted(bankTransactionID, processedBy, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout completed", zap.String("payout_id", id.String()), zap.String("bank_transaction_id", bankTransactionID))
	s.publishPayout(ctx, domain.EventPayoutCompleted, p)
	return p, nil
}

// FailPayout records a rejected or bounced transfer.
func (s *Service) FailPayout(ctx context.Context, id uuid.UUID, reason, processedBy string) (*domain.Payout, error) {
	now := s.now()
	p, err := s.repo.UpdatePayoutLocked(ctx, id, func(p *domain.Payout) (bool, error) {
		return true, p.MarkAsFailed(reason, processedBy, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("payout failed", zap.String("payout_id", id.String()), zap.String("reason", reason))
	s.publishPayout(ctx, domain.EventPayoutFailed, p)
	return p, nil
}

// RetryPayout puts a FAILED payout back to PENDING with its original snapshot.
func (s *Service) RetryPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	now := s.now()
	p, err := s.repo.UpdatePayoutLocked(ctx, id, func(p *domain.Payout) (bool, error) {
		return true, p.Retry(now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout queued for retry", zap.String("payout_id", id.String()), zap.Int("retry_count", p.RetryCount))
	return p, nil
}

// SetPayoutDeductions replaces the transfer fee and withheld tax of a payout.
func (s *Service) SetPayoutDeductions(ctx context.Context, id uuid.UUID, transferFee, taxAmount decimal.Decimal) (*domain.Payout, error) {
	now := s.now()
	return s.repo.UpdatePayoutLocked(ctx, id, func(p *domain.Payout) (bool, error) {
		if err := p.SetDeductions(transferFee, taxAmount); err != nil {
			return false, err
		}
		p.UpdatedAt = now
		return true, nil
	})
}
