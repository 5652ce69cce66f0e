// Package preference learns per-agent routing profiles from observed tool
// executions.
//
// Every [mcp.PerformanceRecord] updates the agent's tool usage pattern and,
// once enough samples exist for an (agent, tool, server) triple, moves the
// agent's preference for that server toward the observed quality with an
// exponential moving average. Manual preferences set through
// [Engine.SetServerPreference] are never overwritten by learning while they
// are active.
package preference

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/store"
)

// KeyPrefix prefixes the store keys of persisted agent profiles.
const KeyPrefix = "mcp:agent:"

const (
	learnedReason        = "Learned from performance data"
	satisfactionHistory  = 100
	neutralSatisfaction  = 0.5
	qualityResponseLimit = 5 * time.Second
	statsWindow          = 24 * time.Hour
)

// Options tunes learning. Zero fields select the defaults of
// [DefaultOptions].
type Options struct {
	LearningRate    float64               `yaml:"learning_rate"`
	FrequencyAlpha  float64               `yaml:"frequency_alpha"`
	MinSamples      int                   `yaml:"min_samples"`
	MaxHistory      int                   `yaml:"max_history"`
	MaxProfiles     int                   `yaml:"max_profiles"`
	Retention       time.Duration         `yaml:"retention"`
	CleanupInterval time.Duration         `yaml:"cleanup_interval"`
	DefaultWeights  mcp.PreferenceWeights `yaml:"default_weights"`
	DisableLearning bool                  `yaml:"disable_learning"`
}

// DefaultOptions returns the learning defaults.
func DefaultOptions() Options {
	return Options{
		LearningRate:    0.1,
		FrequencyAlpha:  0.2,
		MinSamples:      5,
		MaxHistory:      1000,
		MaxProfiles:     1000,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
		DefaultWeights: mcp.PreferenceWeights{
			ResponseTime: 0.3,
			Reliability:  0.3,
			Load:         0.2,
			Satisfaction: 0.2,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LearningRate == 0 {
		o.LearningRate = d.LearningRate
	}
	if o.FrequencyAlpha == 0 {
		o.FrequencyAlpha = d.FrequencyAlpha
	}
	if o.MinSamples == 0 {
		o.MinSamples = d.MinSamples
	}
	if o.MaxHistory == 0 {
		o.MaxHistory = d.MaxHistory
	}
	if o.MaxProfiles == 0 {
		o.MaxProfiles = d.MaxProfiles
	}
	if o.Retention == 0 {
		o.Retention = d.Retention
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.DefaultWeights == (mcp.PreferenceWeights{}) {
		o.DefaultWeights = d.DefaultWeights
	}
	return o
}

// Validate reports every invalid field.
func (o Options) Validate() error {
	var errs []error
	if o.LearningRate < 0 || o.LearningRate > 1 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Learning rate must be between 0 and 1"))
	}
	if o.FrequencyAlpha < 0 || o.FrequencyAlpha > 1 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Frequency alpha must be between 0 and 1"))
	}
	if o.MinSamples < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Minimum samples must not be negative"))
	}
	if o.MaxHistory < 0 || o.MaxProfiles < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "History and profile limits must not be negative"))
	}
	if o.Retention < 0 || o.CleanupInterval < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Retention and cleanup interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStore enables [Engine.Save] and [Engine.Load].
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// LearningData accompanies [event.LearningUpdate].
type LearningData struct {
	Record mcp.PerformanceRecord

	// Learned is true when the record changed the server preference.
	Learned       bool
	OldPreference float64
	NewPreference float64
}

// Stats summarises learning activity.
type Stats struct {
	TotalRecords        int            `json:"totalLearningData"`
	ActiveProfiles      int            `json:"activeProfiles"`
	AverageSatisfaction float64        `json:"averageSatisfaction"`
	ToolUsage           map[string]int `json:"toolUsageStats"`
}

// Engine is safe for concurrent use. Create instances with [New].
type Engine struct {
	opts    Options
	now     func() time.Time
	store   store.Store
	emitter *event.Emitter

	mu       sync.RWMutex
	profiles map[string]*mcp.AgentProfile
	records  []mcp.PerformanceRecord

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an [Engine].
func New(opts Options, options ...Option) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("preference: %w", err)
	}
	e := &Engine{
		opts:     opts.withDefaults(),
		now:      time.Now,
		profiles: make(map[string]*mcp.AgentProfile),
		done:     make(chan struct{}),
	}
	for _, o := range options {
		o(e)
	}
	e.emitter = event.NewEmitter("preference-engine", e.now)
	return e, nil
}

// Subscribe registers l for learning events.
func (e *Engine) Subscribe(l event.Listener) (unsubscribe func()) {
	return e.emitter.Subscribe(l)
}

// Profile returns a copy of the profile of agentID.
func (e *Engine) Profile(agentID string) (*mcp.AgentProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[agentID]
	if !ok {
		return nil, false
	}
	return cloneProfile(p), true
}

// Profiles returns copies of every profile ordered by agent id.
func (e *Engine) Profiles() []*mcp.AgentProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*mcp.AgentProfile, 0, len(e.profiles))
	for _, id := range slices.Sorted(maps.Keys(e.profiles)) {
		out = append(out, cloneProfile(e.profiles[id]))
	}
	return out
}

// RecordPerformance learns from one observed execution. Records without an
// agent id are ignored.
func (e *Engine) RecordPerformance(rec mcp.PerformanceRecord) {
	if rec.AgentID == "" || rec.ToolName == "" || rec.ServerID == "" {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	if rec.Satisfaction != nil {
		s := clamp(*rec.Satisfaction, 0, 1)
		rec.Satisfaction = &s
	}

	e.mu.Lock()
	e.records = append(e.records, rec)
	if over := len(e.records) - e.opts.MaxHistory; over > 0 {
		e.records = slices.Delete(e.records, 0, over)
	}
	p := e.profileLocked(rec.AgentID)
	e.updateUsageLocked(p, rec)
	data := LearningData{Record: rec}
	if !e.opts.DisableLearning {
		data.Learned, data.OldPreference, data.NewPreference = e.learnLocked(p, rec)
	}
	e.mu.Unlock()

	e.emitter.Emit(event.Event{
		Type:     event.LearningUpdate,
		AgentID:  rec.AgentID,
		ServerID: rec.ServerID,
		ToolName: rec.ToolName,
		Data:     data,
	})
}

func (e *Engine) profileLocked(agentID string) *mcp.AgentProfile {
	if p, ok := e.profiles[agentID]; ok {
		return p
	}
	now := e.now()
	p := &mcp.AgentProfile{
		AgentID:   agentID,
		Name:      agentID,
		Category:  "unknown",
		ToolUsage: make(map[string]*mcp.ToolUsage),
		Preferences: mcp.AgentPreferences{
			ResponseTimeThreshold: time.Second,
			MinSuccessRate:        0.95,
			MaxServerLoad:         0.8,
			Weights:               e.opts.DefaultWeights,
			ServerPreferences:     make(map[string]mcp.ServerPreference),
		},
		CreatedAt:    now,
		LastActivity: now,
	}
	e.profiles[agentID] = p
	slog.Debug("agent profile created", "agent_id", agentID)
	return p
}

func (e *Engine) updateUsageLocked(p *mcp.AgentProfile, rec mcp.PerformanceRecord) {
	if p.ToolUsage == nil {
		p.ToolUsage = make(map[string]*mcp.ToolUsage)
	}
	u, ok := p.ToolUsage[rec.ToolName]
	if !ok {
		u = &mcp.ToolUsage{ToolName: rec.ToolName}
		p.ToolUsage[rec.ToolName] = u
	}
	u.LastUsed = rec.Timestamp
	u.Frequency = ema(u.Frequency, 1, e.opts.FrequencyAlpha)
	if rec.Satisfaction != nil {
		u.SatisfactionHistory = append(u.SatisfactionHistory, *rec.Satisfaction)
		if over := len(u.SatisfactionHistory) - satisfactionHistory; over > 0 {
			u.SatisfactionHistory = slices.Delete(u.SatisfactionHistory, 0, over)
		}
	}
	p.LastActivity = rec.Timestamp
	p.TotalRequests++
}

// learnLocked moves the server preference toward the quality observed for
// the record's (agent, tool, server) triple.
func (e *Engine) learnLocked(p *mcp.AgentProfile, rec mcp.PerformanceRecord) (learned bool, oldPref, newPref float64) {
	var (
		n, successes int
		totalRT      time.Duration
		satSum       float64
		satN         int
	)
	for _, r := range e.records {
		if r.AgentID != rec.AgentID || r.ToolName != rec.ToolName || r.ServerID != rec.ServerID {
			continue
		}
		n++
		totalRT += r.ResponseTime
		if r.Success {
			successes++
		}
		if r.Satisfaction != nil {
			satSum += *r.Satisfaction
			satN++
		}
	}
	if n < e.opts.MinSamples {
		return false, 0, 0
	}

	existing, ok := p.Preferences.ServerPreferences[rec.ServerID]
	now := e.now()
	if ok && existing.Reason != learnedReason && existing.Active(now) {
		return false, existing.Preference, existing.Preference
	}

	avgRT := totalRT / time.Duration(n)
	rtScore := max(0, 1-float64(avgRT)/float64(qualityResponseLimit))
	reliability := float64(successes) / float64(n)
	satisfaction := neutralSatisfaction
	if satN > 0 {
		satisfaction = satSum / float64(satN)
	}

	w := p.Preferences.Weights
	quality := neutralSatisfaction
	if sum := w.ResponseTime + w.Reliability + w.Satisfaction; sum > 0 {
		quality = (rtScore*w.ResponseTime + reliability*w.Reliability + satisfaction*w.Satisfaction) / sum
	}

	if ok && existing.Active(now) {
		oldPref = existing.Preference
	}
	// Preferences live on [-1,1]; quality on [0,1].
	newPref = clamp(ema(oldPref, 2*quality-1, e.opts.LearningRate), -1, 1)

	if p.Preferences.ServerPreferences == nil {
		p.Preferences.ServerPreferences = make(map[string]mcp.ServerPreference)
	}
	p.Preferences.ServerPreferences[rec.ServerID] = mcp.ServerPreference{
		ServerID:   rec.ServerID,
		Preference: newPref,
		Reason:     learnedReason,
		SetAt:      now,
	}
	return true, oldPref, newPref
}

// SetServerPreference sets a manual preference of agentID for serverID,
// creating the profile when needed. pref must be in [-1,1]; a zero expiresAt
// never expires.
func (e *Engine) SetServerPreference(agentID, serverID string, pref float64, reason string, expiresAt time.Time) error {
	if agentID == "" || serverID == "" {
		return mcp.NewError(mcp.ErrValidation, "Agent ID and server ID are required")
	}
	if pref < -1 || pref > 1 {
		return mcp.NewError(mcp.ErrValidation, "Preference must be between -1 and 1")
	}
	if reason == "" || reason == learnedReason {
		reason = "Manual preference"
	}

	e.mu.Lock()
	p := e.profileLocked(agentID)
	if p.Preferences.ServerPreferences == nil {
		p.Preferences.ServerPreferences = make(map[string]mcp.ServerPreference)
	}
	sp := mcp.ServerPreference{
		ServerID:   serverID,
		Preference: pref,
		Reason:     reason,
		SetAt:      e.now(),
		ExpiresAt:  expiresAt,
	}
	p.Preferences.ServerPreferences[serverID] = sp
	e.mu.Unlock()

	e.emitter.Emit(event.Event{
		Type:     event.PreferenceUpdated,
		AgentID:  agentID,
		ServerID: serverID,
		Data:     sp,
	})
	return nil
}

// ClearServerPreference removes the preference of agentID for serverID.
func (e *Engine) ClearServerPreference(agentID, serverID string) bool {
	e.mu.Lock()
	p, ok := e.profiles[agentID]
	if ok {
		_, ok = p.Preferences.ServerPreferences[serverID]
		delete(p.Preferences.ServerPreferences, serverID)
	}
	e.mu.Unlock()

	if ok {
		e.emitter.Emit(event.Event{Type: event.PreferenceCleared, AgentID: agentID, ServerID: serverID})
	}
	return ok
}

// UpdatePreferences replaces the thresholds and weights of an existing
// profile. Server preferences are kept.
func (e *Engine) UpdatePreferences(agentID string, prefs mcp.AgentPreferences) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[agentID]
	if !ok {
		return mcp.NewError(mcp.ErrNotFound, "Agent profile not found: "+agentID)
	}
	prefs.ServerPreferences = p.Preferences.ServerPreferences
	p.Preferences = prefs
	p.LastActivity = e.now()
	return nil
}

// Stats returns learning statistics over the last 24 hours.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cutoff := e.now().Add(-statsWindow)
	s := Stats{
		TotalRecords:   len(e.records),
		ActiveProfiles: len(e.profiles),
		ToolUsage:      make(map[string]int),
	}
	var sum float64
	var n int
	for _, r := range e.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		s.ToolUsage[r.ToolName]++
		if r.Satisfaction != nil {
			sum += *r.Satisfaction
			n++
		}
	}
	if n > 0 {
		s.AverageSatisfaction = sum / float64(n)
	}
	return s
}

// Start launches the cleanup loop. It stops when ctx is cancelled or on
// Close.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		go func() {
			defer close(e.done)
			ticker := time.NewTicker(e.opts.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := e.Prune(); n > 0 {
						slog.Debug("preference: pruned", "removed", n)
					}
				}
			}
		}()
	})
}

// Prune drops records older than the retention period, expired manual
// preferences and the least recently active profiles above the profile
// limit. It returns the number of removed items.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	cutoff := now.Add(-e.opts.Retention)
	before := len(e.records)
	e.records = slices.DeleteFunc(e.records, func(r mcp.PerformanceRecord) bool {
		return r.Timestamp.Before(cutoff)
	})
	removed := before - len(e.records)

	for _, p := range e.profiles {
		for id, sp := range p.Preferences.ServerPreferences {
			if !sp.Active(now) {
				delete(p.Preferences.ServerPreferences, id)
				removed++
			}
		}
	}

	if over := len(e.profiles) - e.opts.MaxProfiles; over > 0 {
		byActivity := slices.Collect(maps.Values(e.profiles))
		slices.SortFunc(byActivity, func(a, b *mcp.AgentProfile) int {
			return cmp.Or(a.LastActivity.Compare(b.LastActivity), cmp.Compare(a.AgentID, b.AgentID))
		})
		for _, p := range byActivity[:over] {
			delete(e.profiles, p.AgentID)
			removed++
		}
	}
	return removed
}

// Save writes every profile to the configured store.
func (e *Engine) Save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var errs []error
	for _, p := range e.Profiles() {
		b, err := json.Marshal(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("preference: encode %s: %w", p.AgentID, err))
			continue
		}
		if err := e.store.Put(ctx, KeyPrefix+p.AgentID, b); err != nil {
			errs = append(errs, fmt.Errorf("preference: save %s: %w", p.AgentID, err))
		}
	}
	return errors.Join(errs...)
}

// Load replaces in-memory profiles with the ones in the configured store and
// returns how many were loaded. Undecodable entries are skipped.
func (e *Engine) Load(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	entries, err := e.store.List(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("preference: load: %w", err)
	}
	loaded := make(map[string]*mcp.AgentProfile, len(entries))
	for key, b := range entries {
		var p mcp.AgentProfile
		if err := json.Unmarshal(b, &p); err != nil || p.AgentID == "" {
			slog.Warn("preference: skipping undecodable profile", "key", key, "err", err)
			continue
		}
		loaded[p.AgentID] = &p
	}

	e.mu.Lock()
	maps.Copy(e.profiles, loaded)
	e.mu.Unlock()
	return len(loaded), nil
}

// Close stops the cleanup loop and drops all state and listeners. It is
// idempotent.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		e.startOnce.Do(func() {})
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		e.mu.Lock()
		e.profiles = make(map[string]*mcp.AgentProfile)
		e.records = nil
		e.mu.Unlock()
		e.emitter.Clear()
	})
}

func ema(current, value, alpha float64) float64 {
	return alpha*value + (1-alpha)*current
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func cloneProfile(p *mcp.AgentProfile) *mcp.AgentProfile {
	cp := *p
	cp.ToolUsage = make(map[string]*mcp.ToolUsage, len(p.ToolUsage))
	for name, u := range p.ToolUsage {
		uc := *u
		uc.SatisfactionHistory = slices.Clone(u.SatisfactionHistory)
		cp.ToolUsage[name] = &uc
	}
	cp.Preferences.ServerPreferences = maps.Clone(p.Preferences.ServerPreferences)
	return &cp
}
