package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/votoclaro/electsync/internal/models"
)

// Memory is an in-process store with the same observable semantics as the
// PostgreSQL repositories. Every method holds one mutex, which plays the
// role of the single-statement atomicity the SQL versions rely on.
type Memory struct {
	mu sync.Mutex

	runs       map[string]models.SyncRun
	hashes     map[models.EntityHashKey]models.EntityHash
	tasks      map[string]models.QueueTask
	parties    map[string]models.Party
	districts  map[string]models.District
	candidates map[string]models.Candidate // by id
	scores     map[string]models.CandidateScore
	news       map[string]models.NewsItem // by url
	errors     map[string]models.IngestionError

	// CandidateInsertHook, when set, is consulted before each candidate
	// insert; a non-nil error fails that record only.
	CandidateInsertHook func(models.Candidate) error
	// NewsWriteHook, when set, fails news inserts and updates it returns an error for.
	NewsWriteHook func(models.NewsItem) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:       make(map[string]models.SyncRun),
		hashes:     make(map[models.EntityHashKey]models.EntityHash),
		tasks:      make(map[string]models.QueueTask),
		parties:    make(map[string]models.Party),
		districts:  make(map[string]models.District),
		candidates: make(map[string]models.Candidate),
		scores:     make(map[string]models.CandidateScore),
		news:       make(map[string]models.NewsItem),
		errors:     make(map[string]models.IngestionError),
	}
}

// ---- sync runs ----

func (m *Memory) InsertRun(_ context.Context, run models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return ErrDuplicate
	}
	if run.Status == models.RunStatusRunning {
		for _, existing := range m.runs {
			if existing.Source == run.Source && existing.Status == models.RunStatusRunning {
				return ErrDuplicate
			}
		}
	}
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRun(run)
	return &out, nil
}

func (m *Memory) RunningRun(_ context.Context, source string) (*models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range m.sortedRuns(source) {
		if run.Status == models.RunStatusRunning {
			out := copyRun(run)
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) LatestRun(_ context.Context, source string) (*models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := m.sortedRuns(source)
	if len(runs) == 0 {
		return nil, nil
	}
	out := copyRun(runs[0])
	return &out, nil
}

func (m *Memory) ListRuns(_ context.Context, source string, limit int) ([]models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := m.sortedRuns(source)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	out := make([]models.SyncRun, len(runs))
	for i, r := range runs {
		out[i] = copyRun(r)
	}
	return out, nil
}

func (m *Memory) RunsSince(_ context.Context, source string, since time.Time) ([]models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SyncRun
	for _, r := range m.sortedRuns(source) {
		if !r.StartedAt.Before(since) {
			out = append(out, copyRun(r))
		}
	}
	return out, nil
}

func (m *Memory) ListRunSources(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var sources []string
	for _, r := range m.runs {
		if !seen[r.Source] {
			seen[r.Source] = true
			sources = append(sources, r.Source)
		}
	}
	sort.Strings(sources)
	return sources, nil
}

func (m *Memory) HeartbeatRun(_ context.Context, id string, at time.Time) error {
	return m.updateRunning(id, func(r *models.SyncRun) {
		if r.Metadata == nil {
			r.Metadata = make(map[string]interface{})
		}
		r.Metadata["heartbeat_at"] = at.UTC().Format(time.RFC3339Nano)
	})
}

func (m *Memory) AddRunCounts(_ context.Context, id string, delta models.RunCounts) error {
	return m.updateRunning(id, func(r *models.SyncRun) {
		r.Counts = r.Counts.Add(delta)
	})
}

func (m *Memory) FinishRun(_ context.Context, id string, status models.RunStatus, completedAt time.Time, errorMessage *string) error {
	return m.updateRunning(id, func(r *models.SyncRun) {
		r.Status = status
		done := completedAt
		r.CompletedAt = &done
		ms := completedAt.Sub(r.StartedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		r.DurationMs = &ms
		if errorMessage != nil {
			msg := *errorMessage
			r.ErrorMessage = &msg
		}
	})
}

func (m *Memory) updateRunning(id string, mutate func(*models.SyncRun)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status != models.RunStatusRunning {
		return ErrStateConflict
	}
	run = copyRun(run)
	mutate(&run)
	m.runs[id] = run
	return nil
}

// sortedRuns returns runs newest first; empty source means all. Caller holds mu.
func (m *Memory) sortedRuns(source string) []models.SyncRun {
	var runs []models.SyncRun
	for _, r := range m.runs {
		if source == "" || r.Source == source {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	return runs
}

// ---- entity hashes ----

func (m *Memory) GetHash(_ context.Context, key models.EntityHashKey) (*models.EntityHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *Memory) UpsertHash(_ context.Context, key models.EntityHashKey, hash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.hashes[key]
	changedAt := now
	if ok && existing.DataHash == hash {
		if existing.LastChangedAt != nil {
			changedAt = *existing.LastChangedAt
		}
	}
	m.hashes[key] = models.EntityHash{
		EntityType:    key.EntityType,
		EntityID:      key.EntityID,
		Source:        key.Source,
		DataHash:      hash,
		LastCheckedAt: now,
		LastChangedAt: &changedAt,
	}
	return nil
}

// ---- retry queue ----

func (m *Memory) InsertTask(_ context.Context, task models.QueueTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; ok {
		return ErrDuplicate
	}
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *Memory) ClaimTask(_ context.Context, source string, now time.Time) (*models.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.sortedTasks() {
		if t.Status != models.TaskStatusPending || t.ScheduledAt.After(now) {
			continue
		}
		if source != "" && t.Source != source {
			continue
		}
		started := now
		t.Status = models.TaskStatusRunning
		t.StartedAt = &started
		m.tasks[t.ID] = t
		out := copyTask(t)
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) CompleteTask(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.TaskStatusRunning {
		return ErrStateConflict
	}
	done := now
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &done
	t.LastError = nil
	m.tasks[id] = t
	return nil
}

func (m *Memory) FailTask(_ context.Context, id, errMsg string, now time.Time, backoff BackoffFunc) (*models.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TaskStatusRunning {
		return nil, ErrStateConflict
	}
	t = copyTask(t)
	applyFailure(&t, errMsg, now, backoff)
	m.tasks[id] = t
	out := copyTask(t)
	return &out, nil
}

func (m *Memory) RequeueTask(_ context.Context, id string, now time.Time) (*models.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TaskStatusFailed {
		return nil, ErrStateConflict
	}
	t.Status = models.TaskStatusPending
	t.Attempts = 0
	t.ScheduledAt = now
	t.StartedAt = nil
	t.CompletedAt = nil
	m.tasks[id] = t
	out := copyTask(t)
	return &out, nil
}

func (m *Memory) StaleTasks(_ context.Context, claimedBefore time.Time) ([]models.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.QueueTask
	for _, t := range m.sortedTasks() {
		if t.Status == models.TaskStatusRunning && t.StartedAt != nil && t.StartedAt.Before(claimedBefore) {
			out = append(out, copyTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*models.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyTask(t)
	return &out, nil
}

func (m *Memory) ListTasks(_ context.Context, filter models.TaskFilter) ([]models.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.QueueTask
	for _, t := range m.sortedTasks() {
		if filter.Source != "" && t.Source != filter.Source {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, copyTask(t))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) TaskStats(_ context.Context) ([]models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySource := make(map[string]map[models.TaskStatus]int)
	for _, t := range m.tasks {
		if bySource[t.Source] == nil {
			bySource[t.Source] = make(map[models.TaskStatus]int)
		}
		bySource[t.Source][t.Status]++
	}
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	stats := make([]models.QueueStats, 0, len(sources))
	for _, s := range sources {
		stats = append(stats, models.QueueStats{Source: s, Counts: bySource[s]})
	}
	return stats, nil
}

// sortedTasks returns tasks in claim order. Caller holds mu.
func (m *Memory) sortedTasks() []models.QueueTask {
	tasks := make([]models.QueueTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	return tasks
}

// ---- catalog ----

func (m *Memory) ListParties(_ context.Context) ([]models.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Party, 0, len(m.parties))
	for _, p := range m.parties {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListDistricts(_ context.Context) ([]models.District, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.District, 0, len(m.districts))
	for _, d := range m.districts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListCandidateEntries(_ context.Context) ([]models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.CatalogEntry, 0, len(m.candidates))
	keys := make(map[string]string, len(m.candidates))
	for _, c := range m.candidates {
		out = append(out, models.CatalogEntry{ID: c.ID, Name: c.FullName})
		keys[c.ID] = c.NameKey
	}
	sort.Slice(out, func(i, j int) bool {
		if keys[out[i].ID] != keys[out[j].ID] {
			return keys[out[i].ID] < keys[out[j].ID]
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertParty(_ context.Context, p models.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.parties {
		if existing.Name == p.Name {
			existing.ShortName = p.ShortName
			existing.Aliases = append([]string{}, p.Aliases...)
			m.parties[id] = existing
			return nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Aliases = append([]string{}, p.Aliases...)
	m.parties[p.ID] = p
	return nil
}

func (m *Memory) UpsertDistrict(_ context.Context, d models.District) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.districts {
		if existing.Name == d.Name {
			existing.Aliases = append([]string{}, d.Aliases...)
			m.districts[id] = existing
			return nil
		}
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Aliases = append([]string{}, d.Aliases...)
	m.districts[d.ID] = d
	return nil
}

// ---- candidates ----

func (m *Memory) InsertCandidates(_ context.Context, batch []models.Candidate, baseline decimal.Decimal, now time.Time) ([]models.InsertOutcome, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]models.InsertOutcome, 0, len(batch))
	inserted := 0
	for _, c := range batch {
		outcome := models.InsertOutcome{NameKey: c.NameKey, Cargo: c.Cargo}
		var hookErr error
		if m.CandidateInsertHook != nil {
			hookErr = m.CandidateInsertHook(c)
		}
		switch {
		case m.hasCandidate(c.NameKey, c.Cargo):
			outcome.Status = models.InsertStatusSkipped
		case hookErr != nil:
			outcome.Status = models.InsertStatusFailed
			outcome.Err = fmt.Errorf("failed to insert candidate %s: %w", c.NameKey, hookErr)
		default:
			m.candidates[c.ID] = c
			outcome.ID = c.ID
			outcome.Status = models.InsertStatusInserted
			inserted++
		}
		outcomes = append(outcomes, outcome)
	}

	seeded := 0
	if inserted > 0 {
		seeded = m.seedScores(batchCargos(batch), baseline, now)
	}
	return outcomes, seeded, nil
}

func (m *Memory) SeedScores(_ context.Context, cargos []models.Cargo, baseline decimal.Decimal, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seedScores(cargos, baseline, now), nil
}

func (m *Memory) ListScores(_ context.Context, cargo models.Cargo) ([]models.CandidateScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CandidateScore
	for _, s := range m.scores {
		if s.Cargo == cargo {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out, nil
}

func (m *Memory) GetCandidate(_ context.Context, nameKey string, cargo models.Cargo) (*models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.candidates {
		if c.NameKey == nameKey && c.Cargo == cargo {
			out := c
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) hasCandidate(nameKey string, cargo models.Cargo) bool {
	for _, c := range m.candidates {
		if c.NameKey == nameKey && c.Cargo == cargo {
			return true
		}
	}
	return false
}

func (m *Memory) seedScores(cargos []models.Cargo, baseline decimal.Decimal, now time.Time) int {
	wanted := make(map[models.Cargo]bool, len(cargos))
	for _, c := range cargos {
		wanted[c] = true
	}
	seeded := 0
	for id, c := range m.candidates {
		if !wanted[c.Cargo] {
			continue
		}
		if _, ok := m.scores[id]; ok {
			continue
		}
		m.scores[id] = models.CandidateScore{CandidateID: id, Cargo: c.Cargo, Score: baseline, Baseline: true, CreatedAt: now}
		seeded++
	}
	return seeded
}

// ---- news ----

func (m *Memory) InsertNews(_ context.Context, item models.NewsItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.NewsWriteHook != nil {
		if err := m.NewsWriteHook(item); err != nil {
			return false, fmt.Errorf("failed to insert news item: %w", err)
		}
	}
	if _, ok := m.news[item.URL]; ok {
		return false, nil
	}
	m.news[item.URL] = item
	return true, nil
}

func (m *Memory) UpdateNews(_ context.Context, item models.NewsItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.NewsWriteHook != nil {
		if err := m.NewsWriteHook(item); err != nil {
			return fmt.Errorf("failed to update news item: %w", err)
		}
	}
	existing, ok := m.news[item.URL]
	if !ok {
		return ErrNotFound
	}
	existing.Title = item.Title
	existing.Summary = item.Summary
	existing.PartyID = item.PartyID
	existing.NeedsReview = item.NeedsReview
	existing.UpdatedAt = item.UpdatedAt
	m.news[item.URL] = existing
	return nil
}

func (m *Memory) GetNewsByURL(_ context.Context, url string) (*models.NewsItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.news[url]
	if !ok {
		return nil, ErrNotFound
	}
	return &item, nil
}

func (m *Memory) CountNews(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.news), nil
}

// ---- ingestion errors ----

func (m *Memory) StoreError(_ context.Context, e models.IngestionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.errors[e.ID] = e
	return nil
}

func (m *Memory) ListErrors(_ context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.IngestionError
	for _, e := range m.errors {
		if unresolvedOnly && e.Resolved {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ResolveError(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.errors[id]
	if !ok {
		return ErrNotFound
	}
	resolved := now
	e.Resolved = true
	e.ResolvedAt = &resolved
	m.errors[id] = e
	return nil
}

func (m *Memory) CountUnresolved(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.errors {
		if !e.Resolved {
			n++
		}
	}
	return n, nil
}

func copyRun(r models.SyncRun) models.SyncRun {
	r.Metadata = copyMap(r.Metadata)
	return r
}

func copyTask(t models.QueueTask) models.QueueTask {
	t.Metadata = copyMap(t.Metadata)
	return t
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
