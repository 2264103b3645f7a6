package transcript

import (
	"testing"
	"time"

	"github.com/quillaudio/quill/pkg/speaker"
)

// fakeRegistry records calls and returns scripted identification results.
type fakeRegistry struct {
	identifyName string
	identifySim  float64
	identifyOK   bool

	enrolled      []string
	validated     []string
	validateErr   error
	identifyCalls int
}

func (f *fakeRegistry) Identify(emb speaker.Embedding) (string, float64, bool) {
	f.identifyCalls++
	return f.identifyName, f.identifySim, f.identifyOK
}

func (f *fakeRegistry) Enroll(name string, emb speaker.Embedding) {
	f.enrolled = append(f.enrolled, name)
}

func (f *fakeRegistry) EnrollValidated(name string, emb speaker.Embedding) error {
	f.validated = append(f.validated, name)
	return f.validateErr
}

func line(id int, startMs, endMs int64) Line {
	return Line{Speaker: id, Text: "x", StartMs: startMs, EndMs: endMs}
}

// observe feeds n seconds of audio for id in 1s lines, returning the
// last observed line.
func observe(r *Resolver, id int, fromMs int64, seconds int) Line {
	var last Line
	for i := 0; i < seconds; i++ {
		start := fromMs + int64(i)*1000
		last = r.Observe(line(id, start, start+1000))
	}
	return last
}

var testEmb = speaker.Embedding{1, 0, 0}

func TestResolverObserveUnmapped(t *testing.T) {
	r := NewResolver(&fakeRegistry{})
	got := r.Observe(line(0, 0, 1000))
	if got.Name != "" {
		t.Errorf("unmapped line got name %q", got.Name)
	}
	if _, ok := r.Name(0); ok {
		t.Error("Name(0) should not resolve yet")
	}
}

func TestResolverIdentifyFlow(t *testing.T) {
	reg := &fakeRegistry{identifyName: "Alice", identifySim: 0.91, identifyOK: true}
	r := NewResolver(reg)

	// Not enough audio yet.
	observe(r, 0, 0, 4)
	if _, ok := r.IdentifyReady(0); ok {
		t.Fatal("IdentifyReady before 5s of audio")
	}

	// Crossing 5s arms identification exactly once.
	observe(r, 0, 4000, 1)
	ranges, ok := r.IdentifyReady(0)
	if !ok {
		t.Fatal("IdentifyReady after 5s of audio")
	}
	if got := totalMs(ranges); got != 5000 {
		t.Errorf("handed-out audio = %dms, want 5000", got)
	}
	if _, ok := r.IdentifyReady(0); ok {
		t.Fatal("IdentifyReady fired twice while task in flight")
	}

	name, ok := r.FinishIdentify(0, testEmb)
	if !ok || name != "Alice" {
		t.Fatalf("FinishIdentify = %q ok=%v, want Alice", name, ok)
	}
	if got := r.Observe(line(0, 6000, 7000)); got.Name != "Alice" {
		t.Errorf("post-identify line name = %q, want Alice", got.Name)
	}
	// A mapped id never re-identifies.
	if _, ok := r.IdentifyReady(0); ok {
		t.Error("IdentifyReady on a mapped id")
	}
}

func TestResolverIdentifyNoMatch(t *testing.T) {
	reg := &fakeRegistry{identifyOK: false, identifySim: 0.42}
	r := NewResolver(reg)

	observe(r, 0, 0, 6)
	if _, ok := r.IdentifyReady(0); !ok {
		t.Fatal("IdentifyReady")
	}
	if name, ok := r.FinishIdentify(0, testEmb); ok {
		t.Fatalf("below-threshold identify mapped to %q", name)
	}
	if _, ok := r.Name(0); ok {
		t.Error("id mapped despite failed identify")
	}
}

func TestResolverIdentifyFailedEmbedding(t *testing.T) {
	reg := &fakeRegistry{identifyOK: true, identifyName: "Alice"}
	r := NewResolver(reg)

	observe(r, 0, 0, 6)
	if _, ok := r.IdentifyReady(0); !ok {
		t.Fatal("IdentifyReady")
	}
	// Inference failed upstream; nil embedding degrades to no match.
	if _, ok := r.FinishIdentify(0, nil); ok {
		t.Error("nil embedding must not map")
	}
	if reg.identifyCalls != 0 {
		t.Errorf("registry consulted %d times for nil embedding", reg.identifyCalls)
	}
	// The id can retry once the marker clears.
	if _, ok := r.IdentifyReady(0); !ok {
		t.Error("IdentifyReady should re-arm after a failed attempt")
	}
}

func TestResolverConflictGuard(t *testing.T) {
	reg := &fakeRegistry{identifyName: "Alice", identifySim: 0.95, identifyOK: true}
	r := NewResolver(reg)

	observe(r, 0, 0, 6)
	if _, ok := r.IdentifyReady(0); !ok {
		t.Fatal("IdentifyReady(0)")
	}
	if _, ok := r.FinishIdentify(0, testEmb); !ok {
		t.Fatal("first identify")
	}

	// A second diarized speaker also matches Alice; the session already
	// attributes Alice to id 0, so id 1 must stay unresolved.
	observe(r, 1, 10000, 6)
	if _, ok := r.IdentifyReady(1); !ok {
		t.Fatal("IdentifyReady(1)")
	}
	if name, ok := r.FinishIdentify(1, testEmb); ok {
		t.Fatalf("conflict guard failed, id 1 mapped to %q", name)
	}
	if _, ok := r.Name(1); ok {
		t.Error("id 1 should be unmapped")
	}
}

func TestResolverManualEnrollImmediate(t *testing.T) {
	reg := &fakeRegistry{}
	r := NewResolver(reg)

	observe(r, 2, 0, 6)
	ranges, ready := r.Enroll("Bob", 2)
	if !ready {
		t.Fatal("Enroll with 6s of audio should be ready immediately")
	}
	if totalMs(ranges) != 6000 {
		t.Errorf("ranges total = %dms, want 6000", totalMs(ranges))
	}

	r.FinishEnroll(2, "Bob", testEmb)
	if len(reg.enrolled) != 1 || reg.enrolled[0] != "Bob" {
		t.Fatalf("registry enrolled = %v, want [Bob]", reg.enrolled)
	}
	if got := r.Observe(line(2, 7000, 8000)); got.Name != "Bob" {
		t.Errorf("post-enroll line name = %q, want Bob", got.Name)
	}
}

func TestResolverManualEnrollPending(t *testing.T) {
	reg := &fakeRegistry{}
	r := NewResolver(reg)

	// Only 2s of audio: the request queues.
	observe(r, 3, 0, 2)
	if _, ready := r.Enroll("Carol", 3); ready {
		t.Fatal("Enroll should queue with 2s of audio")
	}
	if _, _, ok := r.PendingReady(3); ok {
		t.Fatal("PendingReady before enough audio")
	}

	// A pending id does not go through identification.
	observe(r, 3, 2000, 4)
	if _, ok := r.IdentifyReady(3); ok {
		t.Fatal("IdentifyReady on a pending id")
	}

	name, ranges, ok := r.PendingReady(3)
	if !ok || name != "Carol" {
		t.Fatalf("PendingReady = %q ok=%v, want Carol", name, ok)
	}
	if totalMs(ranges) != 6000 {
		t.Errorf("ranges total = %dms, want 6000", totalMs(ranges))
	}
	if _, _, ok := r.PendingReady(3); ok {
		t.Fatal("PendingReady fired twice while task in flight")
	}

	r.FinishEnroll(3, name, testEmb)
	if got, _ := r.Name(3); got != "Carol" {
		t.Errorf("Name(3) = %q, want Carol", got)
	}
}

func TestResolverEnrollReplacesPending(t *testing.T) {
	r := NewResolver(&fakeRegistry{})

	observe(r, 4, 0, 1)
	r.Enroll("First", 4)
	r.Enroll("Second", 4)

	observe(r, 4, 1000, 5)
	name, _, ok := r.PendingReady(4)
	if !ok || name != "Second" {
		t.Fatalf("PendingReady = %q ok=%v, want Second (newer request wins)", name, ok)
	}
}

func TestResolverAutoLearnFlow(t *testing.T) {
	reg := &fakeRegistry{identifyName: "Alice", identifySim: 0.9, identifyOK: true}
	r := NewResolver(reg)

	// Map id 0 to Alice.
	observe(r, 0, 0, 6)
	r.IdentifyReady(0)
	r.FinishIdentify(0, testEmb)

	// Pre-mapping audio is not a learning candidate; nothing is ready.
	if _, _, ok := r.AutoLearnReady(0); ok {
		t.Fatal("AutoLearnReady immediately after mapping")
	}

	// 4s of fresh speech: still short of the minimum.
	observe(r, 0, 10000, 4)
	if _, _, ok := r.AutoLearnReady(0); ok {
		t.Fatal("AutoLearnReady below 5s of fresh audio")
	}

	// Crossing 5s releases exactly one batch of exactly those segments.
	observe(r, 0, 14000, 1)
	name, ranges, ok := r.AutoLearnReady(0)
	if !ok || name != "Alice" {
		t.Fatalf("AutoLearnReady = %q ok=%v", name, ok)
	}
	if totalMs(ranges) != 5000 {
		t.Errorf("auto-learn audio = %dms, want 5000", totalMs(ranges))
	}
	if ranges[0].StartMs != 10000 {
		t.Errorf("auto-learn starts at %dms, want 10000 (fresh audio only)", ranges[0].StartMs)
	}

	r.FinishAutoLearn(0, name, testEmb)
	if len(reg.validated) != 1 || reg.validated[0] != "Alice" {
		t.Fatalf("EnrollValidated calls = %v, want exactly [Alice]", reg.validated)
	}

	// The learned segments are never resubmitted: the pool restarts empty.
	if _, _, ok := r.AutoLearnReady(0); ok {
		t.Fatal("AutoLearnReady re-fired on already-learned segments")
	}
	observe(r, 0, 20000, 5)
	if _, _, ok := r.AutoLearnReady(0); !ok {
		t.Fatal("AutoLearnReady should re-arm once fresh audio accumulates again")
	}
}

func TestResolverAutoLearnDisabledOnRejection(t *testing.T) {
	reg := &fakeRegistry{identifyName: "Alice", identifySim: 0.9, identifyOK: true,
		validateErr: speaker.ErrValidationRejected}
	r := NewResolver(reg)

	observe(r, 0, 0, 6)
	r.IdentifyReady(0)
	r.FinishIdentify(0, testEmb)

	observe(r, 0, 10000, 5)
	name, _, ok := r.AutoLearnReady(0)
	if !ok {
		t.Fatal("AutoLearnReady")
	}
	r.FinishAutoLearn(0, name, testEmb)

	// Rejection disables learning for this id for good.
	observe(r, 0, 20000, 10)
	if _, _, ok := r.AutoLearnReady(0); ok {
		t.Error("auto-learn re-armed after a validation rejection")
	}
	if len(reg.validated) != 1 {
		t.Errorf("EnrollValidated calls = %d, want 1", len(reg.validated))
	}
}

func TestResolverAbandonTask(t *testing.T) {
	r := NewResolver(&fakeRegistry{})

	observe(r, 0, 0, 6)
	if _, ok := r.IdentifyReady(0); !ok {
		t.Fatal("IdentifyReady")
	}
	r.AbandonTask(0)
	if _, ok := r.IdentifyReady(0); !ok {
		t.Error("IdentifyReady should re-arm after AbandonTask")
	}
}

func TestResolverMinAudioOption(t *testing.T) {
	r := NewResolver(&fakeRegistry{identifyOK: true, identifyName: "A"},
		WithMinAudio(1*time.Second))

	observe(r, 0, 0, 1)
	if _, ok := r.IdentifyReady(0); !ok {
		t.Error("IdentifyReady with lowered minimum")
	}
}
