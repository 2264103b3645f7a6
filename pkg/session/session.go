// Package session orchestrates one live transcription session: audio in,
// speaker-attributed transcript lines out.
//
// # Data Flow
//
// The capture layer calls Feed with each audio chunk; Feed appends to the
// audio ring and forwards the chunk to the recognizer stream, and never
// blocks on analysis. Run consumes recognizer batches on a single actor
// goroutine that owns the assembler and resolver state. Slow work
// (slicing, feature extraction, embedding inference) runs on detached
// goroutines whose results are posted back to the actor as closures, so
// all speaker-mapping state has exactly one writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/api/iterator"

	"github.com/quillaudio/quill/pkg/asr"
	"github.com/quillaudio/quill/pkg/audio/fbank"
	"github.com/quillaudio/quill/pkg/audio/ringstore"
	"github.com/quillaudio/quill/pkg/kv"
	"github.com/quillaudio/quill/pkg/speaker"
	"github.com/quillaudio/quill/pkg/transcript"
)

// Config wires a Session's collaborators.
type Config struct {
	// Registry resolves and learns speaker identities. Required.
	Registry *speaker.Registry

	// Stream is the bidirectional recognizer connection. Required.
	Stream asr.TokenStream

	// Model computes voice embeddings. Optional: without it every
	// speaker stays unresolved but transcription still works.
	Model speaker.Model

	// Store persists the session record on Stop. Optional.
	Store kv.Store

	// SampleRate of fed audio. Default 16000.
	SampleRate int

	// RingSeconds of audio history retained for voiceprint slicing.
	// Default 120.
	RingSeconds int

	// MinAudio before identify/enroll decisions. Zero means the
	// resolver default.
	MinAudio time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Update is one step of transcript progress delivered on Updates.
type Update struct {
	// Lines are newly closed, speaker-attributed lines.
	Lines []transcript.Line

	// Preview is the current unstable hypothesis, replaced wholesale
	// by the next update.
	Preview []transcript.Line
}

// Session is a running transcription session. Create with New, drive
// with Run, feed audio with Feed, and consume Updates until closed.
type Session struct {
	id        string
	cfg       Config
	logger    *slog.Logger
	ring      *ringstore.Store
	extractor *fbank.Extractor
	asm       *transcript.Assembler
	resolver  *transcript.Resolver

	calls   chan func()
	updates chan Update

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	runStarted atomic.Bool
	runDone    chan struct{}

	startedAt time.Time
	lines     []transcript.Line

	stopOnce sync.Once
	stopErr  error
}

// New creates a Session. Run must be called to start processing.
func New(cfg Config) (*Session, error) {
	if cfg.Registry == nil {
		return nil, errors.New("session: Config.Registry is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("session: Config.Stream is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.RingSeconds == 0 {
		cfg.RingSeconds = 120
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fbCfg := fbank.DefaultConfig()
	fbCfg.SampleRate = cfg.SampleRate

	var resolverOpts []transcript.ResolverOption
	resolverOpts = append(resolverOpts, transcript.WithResolverLogger(logger))
	if cfg.MinAudio > 0 {
		resolverOpts = append(resolverOpts, transcript.WithMinAudio(cfg.MinAudio))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		logger:    logger,
		ring:      ringstore.New(cfg.SampleRate, cfg.RingSeconds),
		extractor: fbank.New(fbCfg),
		asm:       transcript.NewAssembler(),
		resolver:  transcript.NewResolver(cfg.Registry, resolverOpts...),
		calls:     make(chan func(), 32),
		updates:   make(chan Update, 16),
		runDone:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Updates returns the channel of transcript progress. It closes when the
// session ends.
func (s *Session) Updates() <-chan Update { return s.updates }

// Feed appends an audio chunk to the history ring and forwards it to the
// recognizer. Safe to call from the capture callback; it does not block
// on transcript analysis.
func (s *Session) Feed(samples []float32) error {
	s.ring.Append(samples)
	if err := s.cfg.Stream.Send(samples); err != nil {
		return fmt.Errorf("session: forward audio: %w", err)
	}
	return nil
}

// EnrollSpeaker asks the session to enroll diarization id under name.
// When the id has not yet produced enough audio the enrollment completes
// automatically once it has.
func (s *Session) EnrollSpeaker(name string, id int) {
	s.post(func() {
		ranges, ready := s.resolver.Enroll(name, id)
		if ready {
			s.spawnEmbed(id, ranges, func(emb speaker.Embedding) func() {
				return func() { s.resolver.FinishEnroll(id, name, emb) }
			})
		}
	})
}

// Run processes recognizer batches until the stream ends or ctx is
// cancelled. It owns all assembler and resolver state; callers interact
// through Feed, EnrollSpeaker, Updates and Stop.
func (s *Session) Run(ctx context.Context) error {
	s.runStarted.Store(true)
	defer close(s.runDone)
	defer close(s.updates)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	batches := make(chan *asr.Batch)
	readErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(batches)
		for {
			batch, err := s.cfg.Stream.Next(runCtx)
			if err != nil {
				if !errors.Is(err, iterator.Done) && !errors.Is(err, context.Canceled) {
					readErr <- err
				}
				return
			}
			select {
			case batches <- batch:
			case <-runCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			s.drainCalls()
			return ctx.Err()
		case fn := <-s.calls:
			fn()
		case batch, ok := <-batches:
			if !ok {
				s.drainCalls()
				select {
				case err := <-readErr:
					return fmt.Errorf("session: recognizer stream: %w", err)
				default:
					return nil
				}
			}
			s.processBatch(runCtx, batch)
		}
	}
}

// drainCalls runs any posted results still queued so background tasks
// are not left half-applied.
func (s *Session) drainCalls() {
	for {
		select {
		case fn := <-s.calls:
			fn()
		default:
			return
		}
	}
}

// post queues fn onto the actor loop, dropping it if the session is
// shutting down.
func (s *Session) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) processBatch(ctx context.Context, batch *asr.Batch) {
	lines := s.asm.ProcessBatch(batch)
	for i := range lines {
		lines[i] = s.resolver.Observe(lines[i])
	}
	s.lines = append(s.lines, lines...)

	// One decision pass per speaker id seen in this batch.
	seen := map[int]bool{}
	for _, line := range lines {
		id := line.Speaker
		if id < 0 || seen[id] {
			continue
		}
		seen[id] = true
		s.checkSpeaker(id)
	}

	update := Update{Lines: lines, Preview: s.asm.Preview(batch)}
	if len(update.Lines) == 0 && len(update.Preview) == 0 {
		return
	}
	select {
	case s.updates <- update:
	case <-ctx.Done():
	}
}

// checkSpeaker dispatches at most one background task for a speaker id:
// completing a queued enrollment, attempting identification, or growing
// a mapped profile from fresh audio.
func (s *Session) checkSpeaker(id int) {
	if name, ranges, ok := s.resolver.PendingReady(id); ok {
		s.spawnEmbed(id, ranges, func(emb speaker.Embedding) func() {
			return func() { s.resolver.FinishEnroll(id, name, emb) }
		})
		return
	}
	if ranges, ok := s.resolver.IdentifyReady(id); ok {
		s.spawnEmbed(id, ranges, func(emb speaker.Embedding) func() {
			return func() { s.resolver.FinishIdentify(id, emb) }
		})
		return
	}
	if name, ranges, ok := s.resolver.AutoLearnReady(id); ok {
		s.spawnEmbed(id, ranges, func(emb speaker.Embedding) func() {
			return func() { s.resolver.FinishAutoLearn(id, name, emb) }
		})
	}
}

// spawnEmbed computes an embedding for ranges on a detached goroutine
// and posts the result back to the actor loop. Failures post a nil
// embedding; the resolver degrades those to "no result".
func (s *Session) spawnEmbed(id int, ranges []transcript.TimeRange, apply func(speaker.Embedding) func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		emb, err := s.embedRanges(ranges)
		if err != nil {
			s.logger.Debug("embedding skipped", "speaker_id", id, "error", err)
			emb = nil
		}
		s.post(apply(emb))
	}()
}

// embedRanges slices the requested audio from the ring, concatenates the
// pieces in order, and runs feature extraction plus model inference on
// the union. Ranges already evicted from the ring are skipped.
func (s *Session) embedRanges(ranges []transcript.TimeRange) (speaker.Embedding, error) {
	if s.cfg.Model == nil {
		return nil, errors.New("session: no embedding model configured")
	}
	var samples []float32
	for _, r := range ranges {
		part, err := s.ring.Slice(r.StartMs, r.EndMs)
		if err != nil {
			if errors.Is(err, ringstore.ErrUnavailable) {
				continue
			}
			return nil, err
		}
		samples = append(samples, part...)
	}
	feats := s.extractor.Extract(samples)
	if feats == nil {
		return nil, errors.New("session: not enough audio for feature extraction")
	}
	return s.cfg.Model.Embed(feats)
}

// Stop ends the session: capture forwarding stops, the recognizer stream
// closes, in-flight background tasks drain, and the transcript is
// persisted as a session record. Safe to call more than once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		if err := s.cfg.Stream.CloseSend(); err != nil {
			s.logger.Debug("recognizer CloseSend", "error", err)
		}
		s.cancel()
		s.cfg.Stream.Close()
		if s.runStarted.Load() {
			<-s.runDone
		}
		s.wg.Wait()
		// Apply any late background results before the record snapshot.
		s.drainCalls()
		s.stopErr = s.saveRecord()
	})
	return s.stopErr
}

// Record is the persisted form of a finished session.
type Record struct {
	ID        string    `msgpack:"id"`
	StartedAt time.Time `msgpack:"started_at"`
	EndedAt   time.Time `msgpack:"ended_at"`
	Lines     []Entry   `msgpack:"lines"`
}

// Entry is one persisted transcript line.
type Entry struct {
	Speaker int    `msgpack:"speaker"`
	Name    string `msgpack:"name,omitempty"`
	Text    string `msgpack:"text"`
	StartMs int64  `msgpack:"start_ms"`
	EndMs   int64  `msgpack:"end_ms"`
}

// RecordKey returns the storage key for a session id.
func RecordKey(id string) kv.Key {
	return kv.Key{"session", id}
}

func (s *Session) saveRecord() error {
	if s.cfg.Store == nil || len(s.lines) == 0 {
		return nil
	}
	rec := Record{
		ID:        s.id,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Lines:     make([]Entry, 0, len(s.lines)),
	}
	names := s.resolver.Names()
	for _, line := range s.lines {
		name := line.Name
		if name == "" {
			// A speaker identified later in the session names its
			// earlier lines retroactively in the stored record.
			name = names[line.Speaker]
		}
		rec.Lines = append(rec.Lines, Entry{
			Speaker: line.Speaker,
			Name:    name,
			Text:    line.Text,
			StartMs: line.StartMs,
			EndMs:   line.EndMs,
		})
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Store.Set(ctx, RecordKey(s.id), data); err != nil {
		s.logger.Error("session record not persisted", "session_id", s.id, "error", err)
		return nil
	}
	s.logger.Info("session saved", "session_id", s.id, "lines", len(rec.Lines))
	return nil
}

// LoadRecord reads one session record from the store.
func LoadRecord(ctx context.Context, store kv.Store, id string) (*Record, error) {
	data, err := store.Get(ctx, RecordKey(id))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: decode record %s: %w", id, err)
	}
	return &rec, nil
}

// ListRecords reads all session records, most recent first.
func ListRecords(ctx context.Context, store kv.Store) ([]*Record, error) {
	var records []*Record
	for entry, err := range store.List(ctx, kv.Key{"session"}) {
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := msgpack.Unmarshal(entry.Value, &rec); err != nil {
			slog.Warn("skipping corrupt session record", "key", entry.Key.String(), "error", err)
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}
