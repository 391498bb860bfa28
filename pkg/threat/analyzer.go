package threat

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxScore = 100.0

	ruleBruteForce          = "brute_force"
	ruleImpossibleTravel    = "impossible_travel"
	rulePrivilegeEscalation = "privilege_escalation"
)

// Config controls detection thresholds and lifecycle timing
type Config struct {
	QueueSize           int
	BruteForceThreshold int           // N failures within the window escalates to suspicious
	BruteForceWindow    time.Duration // sliding window W
	MaxTravelSpeedKMH   float64       // above this implied speed, travel is impossible
	DecayHalfLife       time.Duration // older contributions lose half their weight per half-life
	SuspiciousScore     float64
	ConfirmedScore      float64
	Cooldown            time.Duration
	AssessmentTTL       time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:           1024,
		BruteForceThreshold: 5,
		BruteForceWindow:    60 * time.Second,
		MaxTravelSpeedKMH:   900,
		DecayHalfLife:       5 * time.Minute,
		SuspiciousScore:     40,
		ConfirmedScore:      70,
		Cooldown:            5 * time.Minute,
		AssessmentTTL:       15 * time.Minute,
	}
}

// Analyzer consumes security events, scores risk per subject/source key and
// recommends countermeasures. It only recommends; the orchestrator enforces.
// Event intake is non-blocking so analysis backlog never adds latency to the
// request path.
type Analyzer struct {
	cfg    Config
	queue  chan *types.SecurityEvent
	broker *audit.Broker
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tracks map[string]*track

	assessMu    sync.RWMutex
	assessments map[string]*types.ThreatAssessment
}

// track is the per-key analysis state
type track struct {
	state           types.ThreatState
	score           float64
	lastUpdate      time.Time
	failures        []time.Time
	hasGeo          bool
	lastLat         float64
	lastLon         float64
	lastAuthAt      time.Time
	lastSensitivity float64
	cooldownUntil   time.Time
	rules           map[string]bool
}

// NewAnalyzer creates a threat analyzer. The broker receives threat alert
// events; the store (optional) keeps assessment snapshots for inspection.
func NewAnalyzer(cfg Config, broker *audit.Broker, store storage.Store) *Analyzer {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BruteForceThreshold <= 0 {
		cfg.BruteForceThreshold = def.BruteForceThreshold
	}
	if cfg.BruteForceWindow <= 0 {
		cfg.BruteForceWindow = def.BruteForceWindow
	}
	if cfg.MaxTravelSpeedKMH <= 0 {
		cfg.MaxTravelSpeedKMH = def.MaxTravelSpeedKMH
	}
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = def.DecayHalfLife
	}
	if cfg.SuspiciousScore <= 0 {
		cfg.SuspiciousScore = def.SuspiciousScore
	}
	if cfg.ConfirmedScore <= 0 {
		cfg.ConfirmedScore = def.ConfirmedScore
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.AssessmentTTL <= 0 {
		cfg.AssessmentTTL = def.AssessmentTTL
	}

	return &Analyzer{
		cfg:         cfg,
		queue:       make(chan *types.SecurityEvent, cfg.QueueSize),
		broker:      broker,
		store:       store,
		logger:      log.WithComponent("threat"),
		now:         time.Now,
		tracks:      make(map[string]*track),
		assessments: make(map[string]*types.ThreatAssessment),
	}
}

// Submit enqueues an event for analysis. Best-effort and non-blocking: when
// the queue is full the oldest event is dropped and counted.
func (a *Analyzer) Submit(event *types.SecurityEvent) {
	select {
	case a.queue <- event:
		return
	default:
	}
	select {
	case <-a.queue:
		metrics.EventsDropped.Inc()
	default:
	}
	select {
	case a.queue <- event:
	default:
		metrics.EventsDropped.Inc()
	}
}

// Start consumes the event queue and expires stale assessments until the
// context is canceled
func (a *Analyzer) Start(ctx context.Context) {
	janitor := time.NewTicker(a.cfg.AssessmentTTL / 3)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-a.queue:
			a.Analyze(event)
		case <-janitor.C:
			a.expire()
		}
	}
}

// Assessment returns the current assessment for a key. A missing assessment
// means the key is treated as normal: threat analysis is advisory, unlike
// RBAC/ABAC which fail closed.
func (a *Analyzer) Assessment(key string) (*types.ThreatAssessment, bool) {
	a.assessMu.RLock()
	defer a.assessMu.RUnlock()

	assessment, ok := a.assessments[key]
	if !ok {
		return nil, false
	}
	copied := *assessment
	return &copied, true
}

// Analyze applies the detection rules to one event and returns the
// resulting assessment for its key
func (a *Analyzer) Analyze(event *types.SecurityEvent) *types.ThreatAssessment {
	key := keyFor(event)
	if key == "" {
		return nil
	}
	now := a.now()

	a.mu.Lock()
	t := a.tracks[key]
	if t == nil {
		t = &track{state: types.ThreatStateNormal, lastUpdate: now, rules: make(map[string]bool)}
		a.tracks[key] = t
	}

	a.decay(t, now)

	switch event.Type {
	case types.EventAuthFailure:
		a.onAuthFailure(t, now)
	case types.EventAuthSuccess:
		a.onAuthSuccess(t, event, now)
	case types.EventAuthzDeny:
		a.onAuthzDeny(t, event)
	}

	if t.score > maxScore {
		t.score = maxScore
	}
	if t.score < 0 {
		t.score = 0
	}

	prevState := t.state
	t.state = a.stateFor(t, now)
	t.lastUpdate = now

	assessment := a.buildAssessment(key, t, now)
	confirmedNow := t.state == types.ThreatStateConfirmed && prevState != types.ThreatStateConfirmed
	inCooldown := now.Before(t.cooldownUntil)
	if confirmedNow && !inCooldown {
		t.cooldownUntil = now.Add(a.cfg.Cooldown)
		a.respond(key, assessment)
	}
	a.mu.Unlock()

	a.storeAssessment(key, assessment)
	return assessment
}

// decay applies exponential time decay so older contributing events weigh
// less
func (a *Analyzer) decay(t *track, now time.Time) {
	elapsed := now.Sub(t.lastUpdate)
	if elapsed <= 0 || t.score == 0 {
		return
	}
	t.score *= math.Pow(0.5, elapsed.Seconds()/a.cfg.DecayHalfLife.Seconds())
	if t.score < 0.5 {
		t.score = 0
		if !now.Before(t.cooldownUntil) {
			// Nothing contributes anymore; the rule trail resets with the
			// score so a normal key stops reporting stale rules
			t.rules = make(map[string]bool)
		}
	}
}

func (a *Analyzer) onAuthFailure(t *track, now time.Time) {
	cutoff := now.Add(-a.cfg.BruteForceWindow)
	kept := t.failures[:0]
	for _, ts := range t.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.failures = append(kept, now)

	t.score += 8
	count := len(t.failures)
	switch {
	case count >= 2*a.cfg.BruteForceThreshold:
		t.rules[ruleBruteForce] = true
		if t.score < a.cfg.ConfirmedScore {
			t.score = a.cfg.ConfirmedScore
		}
	case count >= a.cfg.BruteForceThreshold:
		t.rules[ruleBruteForce] = true
		if t.score < a.cfg.SuspiciousScore {
			t.score = a.cfg.SuspiciousScore
		}
	}
}

func (a *Analyzer) onAuthSuccess(t *track, event *types.SecurityEvent, now time.Time) {
	lat, latOK := detailFloat(event, "lat")
	lon, lonOK := detailFloat(event, "lon")
	if !latOK || !lonOK {
		return
	}

	if t.hasGeo {
		dist := distanceKM(t.lastLat, t.lastLon, lat, lon)
		hours := now.Sub(t.lastAuthAt).Hours()
		if hours > 0 && dist/hours > a.cfg.MaxTravelSpeedKMH {
			t.rules[ruleImpossibleTravel] = true
			t.score += 50
			if t.score < a.cfg.SuspiciousScore {
				t.score = a.cfg.SuspiciousScore
			}
		}
	}

	t.hasGeo = true
	t.lastLat = lat
	t.lastLon = lon
	t.lastAuthAt = now
}

func (a *Analyzer) onAuthzDeny(t *track, event *types.SecurityEvent) {
	sensitivity, ok := detailFloat(event, "sensitivity")
	if !ok {
		sensitivity = 1
	}

	t.score += 5 * sensitivity
	if sensitivity > t.lastSensitivity && t.lastSensitivity > 0 {
		// Denials on increasingly sensitive resources
		t.rules[rulePrivilegeEscalation] = true
		t.score += 10
	}
	t.lastSensitivity = sensitivity
}

func (a *Analyzer) stateFor(t *track, now time.Time) types.ThreatState {
	switch {
	case t.score >= a.cfg.ConfirmedScore:
		return types.ThreatStateConfirmed
	case t.score >= a.cfg.SuspiciousScore:
		return types.ThreatStateSuspicious
	default:
		if now.Before(t.cooldownUntil) {
			// Cooling down from a confirmed threat; stay watchful
			return types.ThreatStateSuspicious
		}
		return types.ThreatStateNormal
	}
}

func (a *Analyzer) buildAssessment(key string, t *track, now time.Time) *types.ThreatAssessment {
	ruleIDs := make([]string, 0, len(t.rules))
	for id := range t.rules {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)

	var action types.ThreatAction
	switch t.state {
	case types.ThreatStateConfirmed:
		action = types.ThreatActionBlock
	case types.ThreatStateSuspicious:
		action = types.ThreatActionThrottle
	default:
		action = types.ThreatActionNone
	}

	return &types.ThreatAssessment{
		Key:        key,
		Score:      t.score,
		RuleIDs:    ruleIDs,
		Action:     action,
		State:      t.state,
		AssessedAt: now,
	}
}

// respond publishes a threat alert. The cooldown in Analyze prevents the
// same key from re-triggering an alert storm.
func (a *Analyzer) respond(key string, assessment *types.ThreatAssessment) {
	metrics.ThreatResponses.WithLabelValues(string(assessment.Action)).Inc()
	a.logger.Warn().
		Str("key", key).
		Float64("score", assessment.Score).
		Strs("rules", assessment.RuleIDs).
		Msg("confirmed threat")

	if a.broker != nil {
		a.broker.Publish(types.NewEvent(types.EventThreatAlert, types.SeverityCritical, "threat", "", "").
			WithDetail("key", key).
			WithDetail("score", strconv.FormatFloat(assessment.Score, 'f', 1, 64)).
			WithDetail("action", string(assessment.Action)))
	}
}

// storeAssessment replaces the current assessment for the key; superseded
// assessments are discarded, not mutated
func (a *Analyzer) storeAssessment(key string, assessment *types.ThreatAssessment) {
	a.assessMu.Lock()
	a.assessments[key] = assessment
	a.assessMu.Unlock()

	metrics.ThreatState.WithLabelValues(string(assessment.State)).Set(a.countState(assessment.State))

	if a.store != nil {
		if err := a.store.SaveAssessment(assessment); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("failed to persist assessment")
		}
	}
}

func (a *Analyzer) countState(state types.ThreatState) float64 {
	a.assessMu.RLock()
	defer a.assessMu.RUnlock()

	var n float64
	for _, assessment := range a.assessments {
		if assessment.State == state {
			n++
		}
	}
	return n
}

// expire drops assessments and tracks older than the TTL
func (a *Analyzer) expire() {
	now := a.now()
	cutoff := now.Add(-a.cfg.AssessmentTTL)

	a.assessMu.Lock()
	for key, assessment := range a.assessments {
		if assessment.AssessedAt.Before(cutoff) {
			delete(a.assessments, key)
			if a.store != nil {
				if err := a.store.DeleteAssessment(key); err != nil {
					a.logger.Debug().Err(err).Str("key", key).Msg("failed to delete stored assessment")
				}
			}
		}
	}
	a.assessMu.Unlock()

	a.mu.Lock()
	for key, t := range a.tracks {
		if t.lastUpdate.Before(cutoff) && now.After(t.cooldownUntil) {
			delete(a.tracks, key)
		}
	}
	a.mu.Unlock()
}

// keyFor picks the tracking key: subject when known, otherwise the source
// address
func keyFor(event *types.SecurityEvent) string {
	if event.SubjectID != "" {
		return event.SubjectID
	}
	return event.Source
}

func detailFloat(event *types.SecurityEvent, key string) (float64, bool) {
	raw, ok := event.Detail[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
