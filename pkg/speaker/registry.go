package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quillaudio/quill/pkg/kv"
)

// ErrValidationRejected is returned by EnrollValidated when the candidate
// embedding does not resemble the speaker's existing samples closely
// enough. It is a deliberate quality-gate outcome, not a failure.
var ErrValidationRejected = errors.New("speaker: enrollment rejected by validation")

const (
	// DefaultIdentifyThreshold is the minimum cosine similarity for a
	// positive identification.
	DefaultIdentifyThreshold = 0.80

	// DefaultValidationThreshold is the minimum average similarity a
	// candidate must have to a profile's existing samples in
	// EnrollValidated. Stricter than identification on purpose: adding
	// a bad sample poisons every future match.
	DefaultValidationThreshold = 0.85

	// validationMinSlack relaxes the floor for the single worst
	// similarity. The average gate catches drift; the floor catches one
	// outlier sample hiding behind a good average.
	validationMinSlack = 0.05

	// maxSamplesPerProfile caps a profile's sample list. Oldest samples
	// fall off first once auto-learning keeps appending.
	maxSamplesPerProfile = 16

	defaultFlushInterval = 500 * time.Millisecond
)

// profileRecord is the stored form of a speaker profile.
type profileRecord struct {
	Name      string      `msgpack:"name"`
	Samples   [][]float32 `msgpack:"samples"`
	UpdatedAt time.Time   `msgpack:"updated_at"`
}

var profileKeyPrefix = kv.Key{"speaker", "profile"}

func profileKey(name string) kv.Key {
	return append(append(kv.Key{}, profileKeyPrefix...), name)
}

// Registry holds named speaker profiles and answers "whose voice is this"
// queries by cosine similarity against enrolled sample embeddings. Each
// profile keeps several samples; identification scores a profile by its
// best-matching sample.
//
// All methods are safe for concurrent use. Mutations are persisted to the
// backing store with a short debounce so bursts of updates (auto-learning
// during a lively conversation) coalesce into one write. Store failures
// are logged and swallowed: the in-memory state stays authoritative for
// the running session.
type Registry struct {
	mu       sync.Mutex
	profiles map[string][]Embedding
	dirty    map[string]bool
	removed  map[string]bool

	store      kv.Store
	flushWait  time.Duration
	timer      *time.Timer
	threshold  float64
	validation float64
	logger     *slog.Logger
	closed     bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStore sets the persistence backend. Without it the registry is
// memory-only.
func WithStore(s kv.Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// WithFlushInterval overrides the persistence debounce interval
// (default 500ms). Must be positive.
func WithFlushInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.flushWait = d
		}
	}
}

// WithIdentifyThreshold overrides the minimum similarity for Identify
// (default 0.80). Must be in (0, 1].
func WithIdentifyThreshold(th float64) RegistryOption {
	return func(r *Registry) {
		if th > 0 && th <= 1 {
			r.threshold = th
		}
	}
}

// WithValidationThreshold overrides the minimum average similarity for
// EnrollValidated (default 0.85). Must be in (0, 1].
func WithValidationThreshold(th float64) RegistryOption {
	return func(r *Registry) {
		if th > 0 && th <= 1 {
			r.validation = th
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a Registry and, when a store is configured, loads
// all persisted profiles from it.
func NewRegistry(ctx context.Context, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		profiles:   make(map[string][]Embedding),
		dirty:      make(map[string]bool),
		removed:    make(map[string]bool),
		flushWait:  defaultFlushInterval,
		threshold:  DefaultIdentifyThreshold,
		validation: DefaultValidationThreshold,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store != nil {
		if err := r.load(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	for entry, err := range r.store.List(ctx, profileKeyPrefix) {
		if err != nil {
			return fmt.Errorf("speaker: load profiles: %w", err)
		}
		var rec profileRecord
		if err := msgpack.Unmarshal(entry.Value, &rec); err != nil {
			r.logger.Warn("skipping corrupt speaker profile",
				"key", entry.Key.String(), "error", err)
			continue
		}
		samples := make([]Embedding, 0, len(rec.Samples))
		for _, s := range rec.Samples {
			samples = append(samples, Embedding(s).Normalize())
		}
		if len(samples) == 0 {
			continue
		}
		r.profiles[rec.Name] = samples
	}
	r.logger.Info("loaded speaker profiles", "count", len(r.profiles))
	return nil
}

// Enroll appends a sample embedding to the named profile, creating the
// profile if absent. The sample is normalized before storage.
func (r *Registry) Enroll(name string, emb Embedding) {
	cp := make(Embedding, len(emb))
	copy(cp, emb)
	cp.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendSampleLocked(name, cp)
	r.markDirtyLocked(name)
}

// EnrollValidated appends a sample only if it resembles the profile's
// existing samples. The first sample for a name always succeeds. For
// later samples the candidate is compared against every existing sample;
// the average similarity must reach the validation threshold and the
// worst must stay within validationMinSlack of it. Rejection returns
// ErrValidationRejected and leaves the profile untouched.
func (r *Registry) EnrollValidated(name string, emb Embedding) error {
	cp := make(Embedding, len(emb))
	copy(cp, emb)
	cp.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.profiles[name]
	if len(existing) > 0 {
		var sum float64
		minSim := 1.0
		for _, s := range existing {
			sim := float64(Cosine(cp, s))
			sum += sim
			if sim < minSim {
				minSim = sim
			}
		}
		avg := sum / float64(len(existing))
		if avg < r.validation || minSim < r.validation-validationMinSlack {
			r.logger.Info("rejecting enrollment sample",
				"name", name, "avg_sim", avg, "min_sim", minSim, "samples", len(existing))
			return fmt.Errorf("%w: name=%s avg=%.3f min=%.3f", ErrValidationRejected, name, avg, minSim)
		}
	}

	r.appendSampleLocked(name, cp)
	r.markDirtyLocked(name)
	return nil
}

func (r *Registry) appendSampleLocked(name string, emb Embedding) {
	samples := append(r.profiles[name], emb)
	if len(samples) > maxSamplesPerProfile {
		samples = samples[len(samples)-maxSamplesPerProfile:]
	}
	r.profiles[name] = samples
}

// Identify finds the profile most similar to emb, scoring each profile
// by its best-matching sample. It returns the name and similarity when
// the best score clears the identification threshold, and ok=false
// otherwise. An empty registry never matches.
func (r *Registry) Identify(emb Embedding) (name string, sim float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := -1.0
	for n, samples := range r.profiles {
		for _, s := range samples {
			if score := float64(Cosine(emb, s)); score > best {
				best = score
				name = n
			}
		}
	}
	if best < r.threshold {
		return "", best, false
	}
	return name, best, true
}

// Samples returns the number of sample embeddings held for name.
func (r *Registry) Samples(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles[name])
}

// Names returns the enrolled speaker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of enrolled profiles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}

// Forget removes a single profile. Removal is persisted on the same
// debounce schedule as enrollment.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[name]; !ok {
		return
	}
	delete(r.profiles, name)
	delete(r.dirty, name)
	r.removed[name] = true
	r.scheduleFlushLocked()
}

// Clear removes all profiles and flushes the removal to the store
// immediately, bypassing the debounce. A crash right after Clear must
// not resurrect forgotten speakers.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	for n := range r.removed {
		names = append(names, n)
	}
	r.profiles = make(map[string][]Embedding)
	r.dirty = make(map[string]bool)
	r.removed = make(map[string]bool)
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	if r.store == nil {
		return nil
	}
	var firstErr error
	for _, n := range names {
		if err := r.store.Delete(ctx, profileKey(n)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush writes all pending mutations to the store immediately.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

// Close flushes pending mutations and stops the debounce timer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return r.flushLocked(context.Background())
}

func (r *Registry) markDirtyLocked(name string) {
	delete(r.removed, name)
	r.dirty[name] = true
	r.scheduleFlushLocked()
}

// scheduleFlushLocked arms (or re-arms) the debounce timer. Callers hold mu.
func (r *Registry) scheduleFlushLocked() {
	if r.store == nil || r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.flushWait, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.flushLocked(context.Background()); err != nil {
			r.logger.Error("speaker profile flush failed", "error", err)
		}
	})
}

func (r *Registry) flushLocked(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if len(r.dirty) == 0 && len(r.removed) == 0 {
		return nil
	}

	now := time.Now()
	entries := make([]kv.Entry, 0, len(r.dirty))
	for name := range r.dirty {
		samples, ok := r.profiles[name]
		if !ok {
			continue
		}
		rec := profileRecord{
			Name:      name,
			Samples:   make([][]float32, 0, len(samples)),
			UpdatedAt: now,
		}
		for _, s := range samples {
			rec.Samples = append(rec.Samples, []float32(s))
		}
		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("speaker: encode profile %q: %w", name, err)
		}
		entries = append(entries, kv.Entry{Key: profileKey(name), Value: data})
	}

	if len(entries) > 0 {
		if err := r.store.BatchSet(ctx, entries); err != nil {
			return fmt.Errorf("speaker: persist profiles: %w", err)
		}
	}
	for name := range r.removed {
		if err := r.store.Delete(ctx, profileKey(name)); err != nil {
			return fmt.Errorf("speaker: delete profile %q: %w", name, err)
		}
	}
	r.dirty = make(map[string]bool)
	r.removed = make(map[string]bool)
	return nil
}
