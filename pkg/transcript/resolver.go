package transcript

import (
	"errors"
	"log/slog"
	"time"

	"github.com/quillaudio/quill/pkg/speaker"
)

// Registry is the slice of the speaker registry the Resolver needs.
// *speaker.Registry satisfies it.
type Registry interface {
	Identify(emb speaker.Embedding) (name string, sim float64, ok bool)
	Enroll(name string, emb speaker.Embedding)
	EnrollValidated(name string, emb speaker.Embedding) error
}

// DefaultMinAudio is how much speech a diarization id must accumulate
// before identification, enrollment completion, or an auto-learn
// attempt. Shorter clips produce unreliable embeddings.
const DefaultMinAudio = 5 * time.Second

// maxSegmentsPerSpeaker bounds per-id segment history. The audio ring
// only retains the recent past anyway; ranges older than that cannot be
// embedded.
const maxSegmentsPerSpeaker = 64

// Resolver owns the mapping from session-local diarization ids to
// enrolled speaker names.
//
// For each closed line the owner calls Observe, then checks the three
// decision methods in order: PendingReady (a manual enrollment waiting
// for audio), IdentifyReady (an unmapped id with enough speech), and
// AutoLearnReady (a mapped id with enough fresh speech to grow the
// profile). Each decision method returns time ranges at most once for a
// given id until the matching Finish method is called, so the owner can
// embed on a background goroutine without double-dispatching.
//
// Not safe for concurrent use. All calls must come from the single
// session loop; Finish results computed in the background must be
// funneled back onto that loop.
type Resolver struct {
	registry Registry
	minAudio int64 // ms
	logger   *slog.Logger

	names    map[int]string // id → resolved name
	nameToID map[string]int // resolved name → id, the conflict guard
	pending  map[int]string // id → name awaiting enrollment audio

	segments  map[int][]TimeRange // full per-id history
	unlearned map[int][]TimeRange // mapped ids: audio not yet enrolled
	inFlight  map[int]bool        // id has a background task outstanding
	noLearn   map[int]bool        // auto-learning disabled after rejection
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMinAudio overrides the minimum accumulated audio per decision
// (default 5s). Must be positive.
func WithMinAudio(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.minAudio = d.Milliseconds()
		}
	}
}

// WithResolverLogger sets the logger (default slog.Default()).
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver backed by the given registry.
func NewResolver(registry Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:  registry,
		minAudio:  DefaultMinAudio.Milliseconds(),
		logger:    slog.Default(),
		names:     make(map[int]string),
		nameToID:  make(map[string]int),
		pending:   make(map[int]string),
		segments:  make(map[int][]TimeRange),
		unlearned: make(map[int][]TimeRange),
		inFlight:  make(map[int]bool),
		noLearn:   make(map[int]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe records a closed line's audio range for its diarization id
// and returns the line with the resolved name filled in, when one is
// known. Lines with an unknown diarization id pass through untouched.
func (r *Resolver) Observe(line Line) Line {
	id := line.Speaker
	if id < 0 {
		return line
	}
	seg := TimeRange{StartMs: line.StartMs, EndMs: line.EndMs}
	if seg.DurationMs() > 0 {
		r.segments[id] = appendBounded(r.segments[id], seg)
		if _, mapped := r.names[id]; mapped {
			r.unlearned[id] = appendBounded(r.unlearned[id], seg)
		}
	}
	if name, ok := r.names[id]; ok {
		line.Name = name
	}
	return line
}

func appendBounded(segs []TimeRange, seg TimeRange) []TimeRange {
	segs = append(segs, seg)
	if len(segs) > maxSegmentsPerSpeaker {
		segs = segs[len(segs)-maxSegmentsPerSpeaker:]
	}
	return segs
}

// Name returns the resolved name for a diarization id.
func (r *Resolver) Name(id int) (string, bool) {
	name, ok := r.names[id]
	return name, ok
}

// Names returns a copy of the current id→name mapping.
func (r *Resolver) Names() map[int]string {
	out := make(map[int]string, len(r.names))
	for id, name := range r.names {
		out[id] = name
	}
	return out
}

// Enroll requests that diarization id be enrolled under name. When the
// id already has enough accumulated audio the ranges to embed are
// returned immediately (the caller embeds them and calls FinishEnroll);
// otherwise the request is queued and completes later via PendingReady.
// A newer Enroll for the same id replaces a queued older one.
func (r *Resolver) Enroll(name string, id int) (ranges []TimeRange, ready bool) {
	if totalMs(r.segments[id]) >= r.minAudio && !r.inFlight[id] {
		r.inFlight[id] = true
		return cloneRanges(r.segments[id]), true
	}
	r.pending[id] = name
	r.logger.Info("enrollment queued until enough audio accumulates",
		"name", name, "speaker_id", id, "have_ms", totalMs(r.segments[id]), "need_ms", r.minAudio)
	return nil, false
}

// PendingReady reports whether a queued enrollment for id can now
// complete. When it returns ok the ranges are handed out exactly once;
// the caller must follow up with FinishEnroll or AbandonTask.
func (r *Resolver) PendingReady(id int) (name string, ranges []TimeRange, ok bool) {
	name, queued := r.pending[id]
	if !queued || r.inFlight[id] {
		return "", nil, false
	}
	if totalMs(r.segments[id]) < r.minAudio {
		return "", nil, false
	}
	r.inFlight[id] = true
	return name, cloneRanges(r.segments[id]), true
}

// FinishEnroll completes a manual enrollment with the embedding computed
// from the ranges handed out by Enroll or PendingReady. The id is mapped
// to the name and its accumulated audio is considered learned.
func (r *Resolver) FinishEnroll(id int, name string, emb speaker.Embedding) {
	delete(r.inFlight, id)
	delete(r.pending, id)
	if len(emb) == 0 {
		r.logger.Warn("enrollment abandoned, no embedding", "name", name, "speaker_id", id)
		return
	}
	r.registry.Enroll(name, emb)
	r.mapName(id, name)
	delete(r.unlearned, id)
	r.logger.Info("speaker enrolled", "name", name, "speaker_id", id)
}

// IdentifyReady reports whether an unmapped, non-pending id has enough
// accumulated audio to attempt identification. When it returns ok the
// ranges are handed out exactly once; the caller must follow up with
// FinishIdentify or AbandonTask.
func (r *Resolver) IdentifyReady(id int) (ranges []TimeRange, ok bool) {
	if _, mapped := r.names[id]; mapped {
		return nil, false
	}
	if _, queued := r.pending[id]; queued {
		return nil, false
	}
	if r.inFlight[id] || totalMs(r.segments[id]) < r.minAudio {
		return nil, false
	}
	r.inFlight[id] = true
	return cloneRanges(r.segments[id]), true
}

// FinishIdentify resolves an identification attempt with the embedding
// computed from the ranges handed out by IdentifyReady. A match below
// the registry threshold, or a name already claimed by a different
// diarization id in this session, leaves the id unmapped.
func (r *Resolver) FinishIdentify(id int, emb speaker.Embedding) (name string, ok bool) {
	delete(r.inFlight, id)
	if len(emb) == 0 {
		return "", false
	}
	name, sim, ok := r.registry.Identify(emb)
	if !ok {
		r.logger.Debug("no speaker match", "speaker_id", id, "best_sim", sim)
		return "", false
	}
	if other, claimed := r.nameToID[name]; claimed && other != id {
		r.logger.Warn("identification conflict, name already mapped",
			"name", name, "speaker_id", id, "mapped_to", other, "sim", sim)
		return "", false
	}
	r.mapName(id, name)
	// Audio from before the mapping is not an auto-learn candidate.
	delete(r.unlearned, id)
	r.logger.Info("speaker identified", "name", name, "speaker_id", id, "sim", sim)
	return name, true
}

// AutoLearnReady reports whether a mapped id has accumulated enough
// fresh (never enrolled) speech for an auto-learn attempt. The returned
// ranges are removed from the unlearned pool immediately so they are
// never submitted twice; the caller must follow up with FinishAutoLearn
// or AbandonTask.
func (r *Resolver) AutoLearnReady(id int) (name string, ranges []TimeRange, ok bool) {
	name, mapped := r.names[id]
	if !mapped || r.noLearn[id] || r.inFlight[id] {
		return "", nil, false
	}
	if totalMs(r.unlearned[id]) < r.minAudio {
		return "", nil, false
	}
	ranges = r.unlearned[id]
	delete(r.unlearned, id)
	r.inFlight[id] = true
	return name, ranges, true
}

// FinishAutoLearn submits an auto-learn embedding to the quality-gated
// enrollment path. Rejection disables auto-learning for the id for the
// rest of the session: a sample that does not resemble the profile is
// evidence the mapping itself may be wrong, and retrying would risk
// contaminating the profile.
func (r *Resolver) FinishAutoLearn(id int, name string, emb speaker.Embedding) {
	delete(r.inFlight, id)
	if len(emb) == 0 {
		// Embedding failed; the segments are dropped, not retried.
		return
	}
	err := r.registry.EnrollValidated(name, emb)
	switch {
	case err == nil:
		r.logger.Debug("profile grown from session audio", "name", name, "speaker_id", id)
	case errors.Is(err, speaker.ErrValidationRejected):
		r.noLearn[id] = true
		r.logger.Info("auto-learning disabled for speaker",
			"name", name, "speaker_id", id, "reason", err)
	default:
		r.logger.Warn("auto-learn enrollment failed", "name", name, "speaker_id", id, "error", err)
	}
}

// AbandonTask releases the in-flight marker for an id whose background
// task was cancelled before producing a result.
func (r *Resolver) AbandonTask(id int) {
	delete(r.inFlight, id)
}

func (r *Resolver) mapName(id int, name string) {
	if old, ok := r.names[id]; ok && old != name {
		delete(r.nameToID, old)
	}
	r.names[id] = name
	r.nameToID[name] = id
}

func cloneRanges(ranges []TimeRange) []TimeRange {
	out := make([]TimeRange, len(ranges))
	copy(out, ranges)
	return out
}
