package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/errs"
	"caseflow/internal/models"
	"caseflow/internal/repository"
)

const (
	DefaultClaimLimit    = 10
	MaxClaimLimit        = 100
	DefaultLeaseDuration = 30 * time.Minute
	MaxLeaseDuration     = 24 * time.Hour
	MaxBulkReport        = 1000
)

// LeaseService hands ready cases to extraction workers under time-bounded
// leases. A lease token is a bearer credential: whoever presents it may
// extend, release or report.
type LeaseService struct {
	core
	defaultLease time.Duration
	maxLease     time.Duration
}

type LeaseOption func(*LeaseService)

func WithDefaultLease(d time.Duration) LeaseOption {
	return func(s *LeaseService) {
		if d > 0 {
			s.defaultLease = d
		}
	}
}

func WithMaxLease(d time.Duration) LeaseOption {
	return func(s *LeaseService) {
		if d > 0 {
			s.maxLease = d
		}
	}
}

func NewLeaseService(deps Deps, opts ...LeaseOption) *LeaseService {
	s := &LeaseService{
		core:         newCore(deps),
		defaultLease: DefaultLeaseDuration,
		maxLease:     MaxLeaseDuration,
	}
	for _, o := range opts {
		o(s)
	}
	if s.defaultLease > s.maxLease {
		s.defaultLease = s.maxLease
	}
	return s
}

// Claim is the result of one claim call. Every case in it shares the token.
type Claim struct {
	LeaseToken string         `json:"lease_token,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Cases      []*models.Case `json:"cases"`
}

// ReportInput is a terminal extraction outcome for one case.
type ReportInput struct {
	CaseID       string            `json:"case_id"`
	LeaseToken   string            `json:"lease_token"`
	Outcome      models.Outcome    `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	ErrorMessage string            `json:"error_message"`
}

// BulkResult is the outcome of one item of a bulk report.
type BulkResult struct {
	CaseID    string       `json:"case_id"`
	Success   bool         `json:"success"`
	ErrorKind errs.Kind    `json:"error_kind,omitempty"`
	Error     string       `json:"error,omitempty"`
	Case      *models.Case `json:"case,omitempty"`
}

func (s *LeaseService) claimParams(limit int, lease time.Duration) (int, time.Duration, error) {
	if limit == 0 {
		limit = DefaultClaimLimit
	}
	if limit < 1 || limit > MaxClaimLimit {
		return 0, 0, errs.Validation("limit must be between 1 and %d", MaxClaimLimit)
	}
	if lease == 0 {
		lease = s.defaultLease
	}
	if lease < 0 || lease > s.maxLease {
		return 0, 0, errs.Validation("lease duration must be positive and at most %s", s.maxLease)
	}
	return limit, lease, nil
}

// Claim moves up to limit ready cases, most urgent first, into extraction
// under one fresh lease. Cases taken by a concurrent claimant are skipped,
// so a claim may return fewer cases than requested.
func (s *LeaseService) Claim(ctx context.Context, limit int, lease time.Duration) (*Claim, error) {
	limit, lease, err := s.claimParams(limit, lease)
	if err != nil {
		return nil, err
	}
	if _, err := s.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	now := s.now()
	expiresAt := now.Add(lease)
	cases, err := s.Repo.ClaimReadyCases(ctx, limit, func(c *models.Case) error {
		return c.AcquireLease(token, now, expiresAt)
	})
	if err != nil {
		return nil, storeErr(err, "claim")
	}

	claim := &Claim{Cases: cases}
	if len(cases) == 0 {
		claim.Cases = []*models.Case{}
		return claim, nil
	}
	claim.LeaseToken = token
	claim.ExpiresAt = &expiresAt

	s.Metrics.AddCasesClaimed(len(cases))
	s.Logger.Info("cases claimed", "count", len(cases), "expires_at", expiresAt)
	return claim, nil
}

// Peek returns the cases the next claim would select without leasing them.
// Cases whose lease ran out are shown as claim would see them after
// reclaiming, but nothing is written.
func (s *LeaseService) Peek(ctx context.Context, limit int) ([]*models.Case, error) {
	limit, _, err := s.claimParams(limit, 0)
	if err != nil {
		return nil, err
	}
	cases, err := s.Repo.ListReadyCases(ctx, limit)
	if err != nil {
		return nil, errs.Internal(err, "list ready cases")
	}

	now := s.now()
	expired, err := s.Repo.ListExpiredLeases(ctx, now, sweepBatch)
	if err != nil {
		return nil, errs.Internal(err, "list expired leases")
	}
	for _, c := range expired {
		if err := c.ExpireLease(now); err != nil {
			return nil, storeErr(err, "case "+c.ID)
		}
		cases = append(cases, c)
	}
	if len(expired) > 0 {
		sort.SliceStable(cases, func(i, j int) bool {
			return claimsBefore(cases[i], cases[j])
		})
	}

	if len(cases) > limit {
		cases = cases[:limit]
	}
	if cases == nil {
		cases = []*models.Case{}
	}
	return cases, nil
}

// claimsBefore orders ready cases the way claims select them: priority
// desc, ready_since asc, id asc.
func claimsBefore(a, b *models.Case) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	ra, rb := readySince(a), readySince(b)
	if !ra.Equal(rb) {
		return ra.Before(rb)
	}
	return a.ID < b.ID
}

func readySince(c *models.Case) time.Time {
	if c.ReadySince == nil {
		return time.Time{}
	}
	return *c.ReadySince
}

// holds checks that token is the live lease of c. An expired lease held by
// token is demoted on the way out.
func (s *LeaseService) holds(ctx context.Context, c *models.Case, token string, now time.Time) error {
	if c.Status != models.CaseExtractionInProgress {
		return errs.LeaseNotHeld("case %s is %s and holds no lease", c.ID, c.Status)
	}
	if c.LeaseToken != token {
		return errs.LeaseTokenMismatch("lease token does not match the current holder of case %s", c.ID)
	}
	if c.LeaseExpired(now) {
		expiredAt := *c.LeaseExpiresAt
		if _, _, err := s.expireIfStale(ctx, c); err != nil {
			s.Logger.Warn("failed to demote expired lease", "case_id", c.ID, "error", err)
		}
		return errs.LeaseExpired("lease on case %s expired at %s", c.ID, expiredAt.Format(time.RFC3339Nano))
	}
	return nil
}

// Extend pushes the expiry of a held lease back by additional, capped at
// the maximum lease duration from now.
func (s *LeaseService) Extend(ctx context.Context, caseID, token string, additional time.Duration) (*models.Case, error) {
	if token == "" {
		return nil, errs.Validation("lease_token is required")
	}
	if additional <= 0 {
		return nil, errs.Validation("duration must be positive")
	}

	var c *models.Case
	err := retryCAS(ctx, func() error {
		var err error
		if c, err = s.getCase(ctx, caseID); err != nil {
			return err
		}
		now := s.now()
		if err := s.holds(ctx, c, token, now); err != nil {
			return err
		}
		expiresAt := c.LeaseExpiresAt.Add(additional)
		if limit := now.Add(s.maxLease); expiresAt.After(limit) {
			expiresAt = limit
		}
		if err := c.ExtendLease(expiresAt, now); err != nil {
			return storeErr(err, "case "+caseID)
		}
		return storeErr(s.Repo.SaveCase(ctx, c), "case "+caseID)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("lease extended", "case_id", caseID, "expires_at", c.LeaseExpiresAt)
	return c, nil
}

// Report applies the terminal extraction outcome and clears the lease.
// Repeating a successful report with the same token and outcome returns the
// case unchanged.
func (s *LeaseService) Report(ctx context.Context, in ReportInput) (*models.Case, error) {
	if in.LeaseToken == "" {
		return nil, errs.Validation("lease_token is required")
	}
	if !in.Outcome.Valid() {
		return nil, errs.Validation("status must be %s or %s", models.OutcomeSucceeded, models.OutcomeFailed)
	}

	eventType := models.EventCaseExtractionSucceeded
	if in.Outcome == models.OutcomeFailed {
		eventType = models.EventCaseExtractionFailed
	}

	var (
		c      *models.Case
		ev     *models.Event
		repeat bool
	)
	err := retryCAS(ctx, func() error {
		var err error
		if c, err = s.getCase(ctx, in.CaseID); err != nil {
			return err
		}
		if c.Status.Terminal() && c.LastLeaseToken == in.LeaseToken &&
			c.ExtractionStatus == models.ExtractionStatus(in.Outcome) {
			repeat = true
			return nil
		}
		now := s.now()
		if err := s.holds(ctx, c, in.LeaseToken, now); err != nil {
			return err
		}
		if err := c.CompleteExtraction(in.Outcome, in.Metadata, in.ErrorMessage, now); err != nil {
			return storeErr(err, "case "+in.CaseID)
		}
		ev, err = s.event(eventType, caseEvent{
			CaseIDs:      []string{in.CaseID},
			Outcome:      in.Outcome,
			Metadata:     in.Metadata,
			ErrorMessage: in.ErrorMessage,
		}, now)
		if err != nil {
			return err
		}
		return storeErr(s.Repo.Apply(ctx, repository.Mutation{Cases: []*models.Case{c}, Events: []*models.Event{ev}}), "case "+in.CaseID)
	})
	if err != nil {
		return nil, err
	}

	log := s.Logger.With("case_id", in.CaseID, "outcome", in.Outcome)
	if repeat {
		log.Debug("repeated extraction report ignored")
		return c, nil
	}
	log.Info("extraction reported")
	s.Metrics.IncrementExtractionReports(string(in.Outcome))
	s.publish(ctx, ev)
	return c, nil
}

// BulkReport applies each report independently. It only fails as a whole
// when the batch itself is malformed.
func (s *LeaseService) BulkReport(ctx context.Context, items []ReportInput) ([]BulkResult, error) {
	if len(items) == 0 {
		return nil, errs.Validation("updates must not be empty")
	}
	if len(items) > MaxBulkReport {
		return nil, errs.Validation("at most %d updates are accepted per request", MaxBulkReport)
	}

	results := make([]BulkResult, len(items))
	for i, item := range items {
		results[i].CaseID = item.CaseID
		c, err := s.Report(ctx, item)
		if err != nil {
			results[i].ErrorKind = errs.KindOf(err)
			results[i].Error = errs.Message(err)
			continue
		}
		results[i].Success = true
		results[i].Case = c
	}
	return results, nil
}

// Release gives a held lease back so the case can be claimed again.
func (s *LeaseService) Release(ctx context.Context, caseID, token string) (*models.Case, error) {
	if token == "" {
		return nil, errs.Validation("lease_token is required")
	}

	var (
		c  *models.Case
		ev *models.Event
	)
	err := retryCAS(ctx, func() error {
		var err error
		if c, err = s.getCase(ctx, caseID); err != nil {
			return err
		}
		now := s.now()
		if err := s.holds(ctx, c, token, now); err != nil {
			return err
		}
		if err := c.ReleaseLease(now); err != nil {
			return storeErr(err, "case "+caseID)
		}
		if ev, err = s.event(models.EventCaseReadyForExtraction, caseEvent{CaseIDs: []string{caseID}}, now); err != nil {
			return err
		}
		return storeErr(s.Repo.Apply(ctx, repository.Mutation{Cases: []*models.Case{c}, Events: []*models.Event{ev}}), "case "+caseID)
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.IncrementLeaseReleases()
	s.Logger.Info("lease released", "case_id", caseID)
	s.publish(ctx, ev)
	return c, nil
}
