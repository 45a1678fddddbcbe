package auth

import (
	"context"
	"sort"
	"time"

	"docsmith.io/internal/obs"
	"docsmith.io/internal/tenant"
)

// Compromise indicators raised by the detector.
const (
	IndicatorMultipleActiveInFamily = "multiple_active_in_family"
	IndicatorLongDormancyUse        = "long_dormancy_use"
	IndicatorRapidTokenCreation     = "rapid_token_creation"
)

// RiskLevel ranks a report by indicator count.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func riskFromCount(n int) RiskLevel {
	switch {
	case n <= 0:
		return RiskNone
	case n == 1:
		return RiskLow
	case n == 2:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// FamilyReport is the indicator set for one rotation chain.
type FamilyReport struct {
	FamilyID   string    `json:"family_id"`
	Indicators []string  `json:"indicators"`
	Risk       RiskLevel `json:"risk"`
}

// Report is the outcome of one compromise scan.
type Report struct {
	UserID         string         `json:"user_id"`
	GeneratedAt    time.Time      `json:"generated_at"`
	Families       []FamilyReport `json:"families"`
	UserIndicators []string       `json:"user_indicators,omitempty"`
	Risk           RiskLevel      `json:"risk"`
	AutoRevoked    bool           `json:"auto_revoked"`
}

// IndicatorCount returns the number of distinct indicators in the report.
func (r *Report) IndicatorCount() int {
	return len(r.Indicators())
}

// Indicators returns the distinct indicators across user and families.
func (r *Report) Indicators() []string {
	seen := make(map[string]struct{})
	for _, ind := range r.UserIndicators {
		seen[ind] = struct{}{}
	}
	for _, fam := range r.Families {
		for _, ind := range fam.Indicators {
			seen[ind] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ind := range seen {
		out = append(out, ind)
	}
	sort.Strings(out)
	return out
}

// Revoker is the engine capability the detector needs for auto-revocation.
type Revoker interface {
	RevokeUser(ctx context.Context, userID string) error
}

// Detector runs heuristic compromise analysis over a user's active token
// records. It is best-effort by contract: scan failures must never block
// a normal auth flow.
type Detector struct {
	store   TokenStore
	revoker Revoker
	now     func() time.Time
}

// DetectorOption configures Detector behavior.
type DetectorOption func(*Detector)

// DetectorWithRevoker enables auto-revocation through the given revoker.
func DetectorWithRevoker(r Revoker) DetectorOption {
	return func(d *Detector) { d.revoker = r }
}

// DetectorWithClock overrides the time source (useful for tests).
func DetectorWithClock(fn func() time.Time) DetectorOption {
	return func(d *Detector) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDetector constructs a Detector over the token store.
func NewDetector(store TokenStore, opts ...DetectorOption) *Detector {
	d := &Detector{store: store, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan builds the compromise report for the user without applying any
// revocation policy.
func (d *Detector) Scan(ctx context.Context, userID string, cfg *tenant.AuthenticationConfig) (*Report, error) {
	now := d.now().UTC()
	report := &Report{UserID: userID, GeneratedAt: now}

	records, err := d.store.ActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	byFamily := make(map[string][]*RefreshTokenRecord)
	order := make([]string, 0)
	for _, rec := range records {
		if _, ok := byFamily[rec.FamilyID]; !ok {
			order = append(order, rec.FamilyID)
		}
		byFamily[rec.FamilyID] = append(byFamily[rec.FamilyID], rec)
	}

	for _, familyID := range order {
		recs := byFamily[familyID]
		var indicators []string

		// Structurally at most one record per family may be active and
		// unconsumed; several unconsumed actives means tampering or a
		// store anomaly.
		unconsumed := 0
		for _, rec := range recs {
			if !rec.Consumed() {
				unconsumed++
			}
		}
		if unconsumed > 1 {
			indicators = append(indicators, IndicatorMultipleActiveInFamily)
		}

		// A token consumed long after creation suggests a dormant stolen
		// token used late.
		for _, rec := range recs {
			if rec.UsedAt != nil && rec.UsedAt.Sub(rec.CreatedAt) > cfg.LongDormancyThreshold {
				indicators = append(indicators, IndicatorLongDormancyUse)
				break
			}
		}

		if len(indicators) == 0 {
			continue
		}
		report.Families = append(report.Families, FamilyReport{
			FamilyID:   familyID,
			Indicators: indicators,
			Risk:       riskFromCount(len(indicators)),
		})
	}

	created, err := d.store.CountCreatedSince(ctx, userID, now.Add(-cfg.RapidCreationWindow))
	if err != nil {
		return nil, err
	}
	if created > cfg.RapidCreationCount {
		report.UserIndicators = append(report.UserIndicators, IndicatorRapidTokenCreation)
	}

	report.Risk = riskFromCount(report.IndicatorCount())
	return report, nil
}

// Evaluate scans and, when the tenant opted in and the indicator count
// reaches the tenant threshold, revokes every token of the user.
func (d *Detector) Evaluate(ctx context.Context, userID string, cfg *tenant.AuthenticationConfig) (*Report, error) {
	report, err := d.Scan(ctx, userID, cfg)
	if err != nil {
		return nil, err
	}
	// Counted here, not in Scan: report reads are repeatable and must
	// not move the detection counters.
	for _, ind := range report.Indicators() {
		obs.IncCompromiseIndicator(ind)
	}
	if cfg.AutoRevokeOnCompromise && d.revoker != nil &&
		report.IndicatorCount() >= cfg.CompromiseIndicatorThreshold {
		if err := d.revoker.RevokeUser(ctx, userID); err != nil {
			return report, err
		}
		report.AutoRevoked = true
	}
	return report, nil
}
