// Package storetest provides an in-memory store.Store for tests. It applies the same tenant
// visibility rules as the row-level policies: a project scope sees only its own rows and the
// admin scope sees everything.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Memory is a goroutine-safe in-memory store.
type Memory struct {
	mu        sync.Mutex
	projects  map[uuid.UUID]*models.Project
	keys      map[uuid.UUID]*models.APIKey
	failures  map[uuid.UUID]*models.Failure
	analyses  map[uuid.UUID]*models.Analysis
	evidence  map[uuid.UUID][]models.RetrievalResult
	hitl      map[uuid.UUID]*models.HITLItem
	feedback  []*models.Feedback
	knowledge []*models.KnowledgeDoc
	audit     []*models.AuditEntry
	seq       time.Time
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		projects: make(map[uuid.UUID]*models.Project),
		keys:     make(map[uuid.UUID]*models.APIKey),
		failures: make(map[uuid.UUID]*models.Failure),
		analyses: make(map[uuid.UUID]*models.Analysis),
		evidence: make(map[uuid.UUID][]models.RetrievalResult),
		hitl:     make(map[uuid.UUID]*models.HITLItem),
		seq:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick returns strictly increasing timestamps so ordering by creation time is deterministic.
func (m *Memory) tick() time.Time {
	m.seq = m.seq.Add(time.Millisecond)
	return m.seq
}

func visible(ctx context.Context, projectID uuid.UUID) (bool, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}
	if scope.IsAdmin() {
		return true, nil
	}
	id, _ := scope.ProjectID()
	return id == projectID, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateProject(ctx context.Context, p *models.Project) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for _, existing := range m.projects {
		if existing.Name == p.Name {
			return store.ErrDuplicateKey
		}
	}
	p.CreatedAt = m.tick()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ok, err := visible(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Project
	for _, p := range m.projects {
		ok, err := visible(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := m.tick()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	for _, k := range m.keys {
		if k.Name == key.Name && k.DeletedAt == nil {
			return store.ErrDuplicateKey
		}
	}
	key.CreatedAt = m.tick()
	key.UpdatedAt = key.CreatedAt
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *Memory) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := m.tick()
	k.DeletedAt = &now
	return nil
}

func (m *Memory) UpsertFailure(ctx context.Context, f *models.Failure) (*models.Failure, bool, error) {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := f.LastSeen
	if seen.IsZero() {
		seen = m.tick()
	}
	for _, existing := range m.failures {
		if existing.ProjectID == projectID && existing.JobName == f.JobName &&
			existing.BuildID == f.BuildID && existing.TestName == f.TestName {
			existing.OccurrenceCount++
			if seen.After(existing.LastSeen) {
				existing.LastSeen = seen
			}
			if f.ErrorMessage != "" {
				existing.ErrorMessage = f.ErrorMessage
			}
			if f.StackTrace != "" {
				existing.StackTrace = f.StackTrace
			}
			if f.ErrorLog != "" {
				existing.ErrorLog = f.ErrorLog
			}
			existing.UpdatedAt = m.tick()
			cp := *existing
			return &cp, false, nil
		}
	}

	cp := *f
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.ProjectID = projectID
	cp.Status = models.FailureUnanalyzed
	cp.FirstSeen, cp.LastSeen = seen, seen
	cp.OccurrenceCount = 1
	cp.CreatedAt = m.tick()
	cp.UpdatedAt = cp.CreatedAt
	m.failures[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) GetFailure(ctx context.Context, id uuid.UUID) (*models.Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.failure(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) failure(ctx context.Context, id uuid.UUID) (*models.Failure, error) {
	f, ok := m.failures[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ok, err := visible(ctx, f.ProjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (m *Memory) ListFailures(ctx context.Context, filter store.FailureFilter) ([]*models.Failure, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Failure
	for _, f := range m.failures {
		ok, err := visible(ctx, f.ProjectID)
		if err != nil {
			return nil, 0, err
		}
		if !ok ||
			(filter.Status != "" && f.Status != filter.Status) ||
			(filter.JobName != "" && f.JobName != filter.JobName) ||
			(filter.TestName != "" && f.TestName != filter.TestName) ||
			(!filter.Since.IsZero() && f.LastSeen.Before(filter.Since)) {
			continue
		}
		cp := *f
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastSeen.Equal(all[j].LastSeen) {
			return all[i].LastSeen.After(all[j].LastSeen)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := max(filter.Page, 1)
	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	return all[start:end], len(all), nil
}

var failureTransitions = map[string][]string{
	models.FailureUnanalyzed: {models.FailureAnalyzing},
	models.FailureAnalyzing:  {models.FailureAnalyzing, models.FailureAnalyzed, models.FailureHITL, models.FailureUnanalyzed},
	models.FailureAnalyzed:   {models.FailureAnalyzing, models.FailureAccepted, models.FailureRejected},
	models.FailureHITL:       {models.FailureAnalyzing, models.FailureAccepted, models.FailureRejected},
	models.FailureAccepted:   {models.FailureAnalyzing, models.FailureRejected},
	models.FailureRejected:   {models.FailureAnalyzing, models.FailureAccepted},
}

func (m *Memory) UpdateFailureStatus(ctx context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateFailureStatus(ctx, id, status)
}

func (m *Memory) updateFailureStatus(ctx context.Context, id uuid.UUID, status string) error {
	f, err := m.failure(ctx, id)
	if err != nil {
		return err
	}
	if f.Status == status && status != models.FailureAnalyzing {
		return nil
	}
	if !slices.Contains(failureTransitions[f.Status], status) {
		return fmt.Errorf("%w: failure %s -> %s", store.ErrInvalidTransition, f.Status, status)
	}
	f.Status = status
	f.UpdatedAt = m.tick()
	return nil
}

func (m *Memory) ListAgingCandidates(ctx context.Context, minOccurrences int, minSpan time.Duration, limit int) ([]*models.Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Failure
	for _, f := range m.failures {
		ok, err := visible(ctx, f.ProjectID)
		if err != nil {
			return nil, err
		}
		if !ok || f.Status != models.FailureUnanalyzed || f.OccurrenceCount < minOccurrences ||
			f.LastSeen.Sub(f.FirstSeen) < minSpan {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurrenceCount != out[j].OccurrenceCount {
			return out[i].OccurrenceCount > out[j].OccurrenceCount
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateAnalysis(ctx context.Context, a *models.Analysis, evidence []models.RetrievalResult) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.failure(ctx, a.FailureID); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.ProjectID = projectID
	if a.Review == "" {
		a.Review = models.ReviewNone
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	}
	a.CreatedAt = m.tick()
	a.EvidenceRefs = make([]uuid.UUID, 0, len(evidence))
	stored := make([]models.RetrievalResult, len(evidence))
	for i := range evidence {
		r := &evidence[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.ProjectID = projectID
		stored[i] = *r
		a.EvidenceRefs = append(a.EvidenceRefs, r.ID)
	}
	cp := *a
	m.analyses[a.ID] = &cp
	m.evidence[a.ID] = stored
	return nil
}

func (m *Memory) analysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	a, ok := m.analyses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ok, err := visible(ctx, a.ProjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *Memory) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.analysis(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetLatestAnalysis(ctx context.Context, failureID uuid.UUID) (*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Analysis
	for _, a := range m.analyses {
		if a.FailureID != failureID || a.Review == models.ReviewSuperseded {
			continue
		}
		if ok, err := visible(ctx, a.ProjectID); err != nil || !ok {
			if err != nil {
				return nil, err
			}
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) SetAnalysisReview(ctx context.Context, id uuid.UUID, review string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.analysis(ctx, id)
	if err != nil {
		return err
	}
	a.Review = review
	return nil
}

func (m *Memory) GetEvidence(ctx context.Context, analysisID uuid.UUID) ([]*models.RetrievalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.analysis(ctx, analysisID); err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var out []*models.RetrievalResult
	for _, r := range m.evidence[analysisID] {
		cp := r
		out = append(out, &cp)
	}
	return out, nil
}

// SearchAnalyses ranks by the number of query terms found in root cause and recommendation.
func (m *Memory) SearchAnalyses(ctx context.Context, q store.StructuredQuery) ([]*store.AnalysisHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	terms := strings.Fields(strings.ToLower(q.Text))
	var hits []*store.AnalysisHit
	for _, a := range m.analyses {
		ok, err := visible(ctx, a.ProjectID)
		if err != nil {
			return nil, err
		}
		if !ok || a.Review == models.ReviewRejected || a.Review == models.ReviewSuperseded ||
			(a.Status != models.StatusPass && a.Status != models.StatusHITL) ||
			(q.Category != "" && a.ErrorCategory != q.Category) ||
			(!q.Since.IsZero() && a.CreatedAt.Before(q.Since)) {
			continue
		}
		text := strings.ToLower(a.RootCause + " " + a.Recommendation)
		rank := 0.0
		for _, t := range terms {
			if strings.Contains(text, t) {
				rank++
			}
		}
		if len(terms) > 0 && rank == 0 {
			continue
		}
		cp := *a
		hits = append(hits, &store.AnalysisHit{Analysis: &cp, Rank: rank})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].Analysis.CreatedAt.After(hits[j].Analysis.CreatedAt)
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (m *Memory) ListResolvedAnalyses(ctx context.Context, limit int) ([]*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Analysis
	for _, a := range m.analyses {
		ok, err := visible(ctx, a.ProjectID)
		if err != nil {
			return nil, err
		}
		if ok && (a.Review == models.ReviewAccepted || (a.Status == models.StatusPass && a.Review == models.ReviewNone)) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateHITLItem(ctx context.Context, item *models.HITLItem) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hitl {
		if h.AnalysisID == item.AnalysisID {
			return store.ErrDuplicateKey
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.ProjectID = projectID
	if item.Status == "" {
		item.Status = models.HITLPending
	}
	item.CreatedAt = m.tick()
	cp := *item
	m.hitl[item.ID] = &cp
	return nil
}

func (m *Memory) hitlItem(ctx context.Context, id uuid.UUID) (*models.HITLItem, error) {
	h, ok := m.hitl[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ok, err := visible(ctx, h.ProjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return h, nil
}

func (m *Memory) GetHITLItem(ctx context.Context, id uuid.UUID) (*models.HITLItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.hitlItem(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *h
	return &cp, nil
}

var priorityRank = map[string]int{models.PriorityHigh: 3, models.PriorityMedium: 2, models.PriorityLow: 1}

func (m *Memory) ListHITLQueue(ctx context.Context, filter store.HITLFilter) ([]*models.HITLItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := filter.Status
	if status == "" {
		status = models.HITLPending
	}
	var out []*models.HITLItem
	for _, h := range m.hitl {
		ok, err := visible(ctx, h.ProjectID)
		if err != nil {
			return nil, err
		}
		if !ok || h.Status != status || (filter.Priority != "" && h.Priority != filter.Priority) {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if pi, pj := priorityRank[out[i].Priority], priorityRank[out[j].Priority]; pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DecideHITLItem(ctx context.Context, id uuid.UUID, d store.HITLDecision) (*models.HITLItem, error) {
	if d.Status != models.HITLApproved && d.Status != models.HITLRejected {
		return nil, fmt.Errorf("%w: hitl decision %q", store.ErrInvalidTransition, d.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.hitlItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != models.HITLPending {
		return nil, fmt.Errorf("%w: hitl item already %s", store.ErrInvalidTransition, h.Status)
	}

	review, failureStatus := models.ReviewAccepted, models.FailureAccepted
	if d.Status == models.HITLRejected {
		review, failureStatus = models.ReviewRejected, models.FailureRejected
		if d.CorrectedAnswer != nil && *d.CorrectedAnswer != "" {
			review, failureStatus = models.ReviewSuperseded, models.FailureAccepted
		}
	}
	a, err := m.analysis(ctx, h.AnalysisID)
	if err != nil {
		return nil, err
	}
	if err := m.updateFailureStatus(ctx, h.FailureID, failureStatus); err != nil {
		return nil, err
	}
	a.Review = review

	now := m.tick()
	reviewer := d.Reviewer
	h.Status = d.Status
	h.Reviewer = &reviewer
	h.Notes = d.Notes
	h.CorrectedAnswer = d.CorrectedAnswer
	h.DecidedAt = &now
	cp := *h
	return &cp, nil
}

func (m *Memory) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	fb.ProjectID = projectID
	fb.CreatedAt = m.tick()
	cp := *fb
	m.feedback = append(m.feedback, &cp)
	return nil
}

func (m *Memory) CreateKnowledgeDoc(ctx context.Context, doc *models.KnowledgeDoc) error {
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.ProjectID = projectID
	if doc.DocType == "" {
		doc.DocType = "documentation"
	}
	doc.CreatedAt = m.tick()
	cp := *doc
	m.knowledge = append(m.knowledge, &cp)
	return nil
}

func (m *Memory) ListKnowledgeDocs(ctx context.Context, limit int) ([]*models.KnowledgeDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.KnowledgeDoc
	for i := len(m.knowledge) - 1; i >= 0; i-- {
		d := m.knowledge[i]
		ok, err := visible(ctx, d.ProjectID)
		if err != nil {
			return nil, err
		}
		if ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.tick()
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEntry, len(m.audit))
	for i, e := range m.audit {
		out[i] = *e
	}
	return out
}

// Feedback returns a copy of the stored feedback records.
func (m *Memory) Feedback() []models.Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Feedback, len(m.feedback))
	for i, fb := range m.feedback {
		out[i] = *fb
	}
	return out
}

// AddAPIKey seeds a key without a scope check.
func (m *Memory) AddAPIKey(k *models.APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
}
