package transcript

import (
	"testing"

	"github.com/quillaudio/quill/pkg/asr"
)

func tok(speaker int, text string, startMs, endMs int64) asr.Token {
	return asr.Token{Text: text, Speaker: speaker, StartMs: startMs, EndMs: endMs}
}

func endpoint() asr.Token {
	return asr.Token{Endpoint: true}
}

func TestAssemblerEndpointSplitsSameSpeaker(t *testing.T) {
	a := NewAssembler()
	lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{
		tok(1, "Hi ", 0, 300),
		tok(1, "there", 300, 700),
		endpoint(),
		tok(1, "ok", 1200, 1500),
	}})

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(lines), lines)
	}
	if lines[0].Text != "Hi there" || lines[0].Speaker != 1 {
		t.Errorf("line 0 = %+v, want speaker 1 %q", lines[0], "Hi there")
	}
	if lines[1].Text != "ok" || lines[1].Speaker != 1 {
		t.Errorf("line 1 = %+v, want speaker 1 %q", lines[1], "ok")
	}
	if lines[0].StartMs != 0 || lines[0].EndMs != 700 {
		t.Errorf("line 0 range = [%d,%d], want [0,700]", lines[0].StartMs, lines[0].EndMs)
	}
	if lines[1].StartMs != 1200 || lines[1].EndMs != 1500 {
		t.Errorf("line 1 range = [%d,%d], want [1200,1500]", lines[1].StartMs, lines[1].EndMs)
	}
}

func TestAssemblerSpeakerChangeSplits(t *testing.T) {
	a := NewAssembler()
	lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{
		tok(1, "A", 0, 100),
		tok(2, "B", 100, 200),
		tok(1, "C", 200, 300),
	}})

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %+v", len(lines), lines)
	}
	wantSpeakers := []int{1, 2, 1}
	wantTexts := []string{"A", "B", "C"}
	for i, line := range lines {
		if line.Speaker != wantSpeakers[i] || line.Text != wantTexts[i] {
			t.Errorf("line %d = %+v, want speaker %d %q", i, line, wantSpeakers[i], wantTexts[i])
		}
	}
}

func TestAssemblerMergesSameSpeaker(t *testing.T) {
	a := NewAssembler()
	lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{
		tok(0, "one ", 0, 400),
		tok(0, "two ", 400, 800),
		tok(0, "three", 800, 1200),
	}})

	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %+v", len(lines), lines)
	}
	if lines[0].Text != "one two three" {
		t.Errorf("text = %q, want %q", lines[0].Text, "one two three")
	}
	if lines[0].StartMs != 0 || lines[0].EndMs != 1200 {
		t.Errorf("range = [%d,%d], want [0,1200]", lines[0].StartMs, lines[0].EndMs)
	}
}

func TestAssemblerEndpointOnTextToken(t *testing.T) {
	// The endpoint flag can ride on a token that itself carries text:
	// the token joins the line, then the line closes.
	a := NewAssembler()
	lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{
		tok(0, "hello ", 0, 400),
		{Text: "world", Speaker: 0, Endpoint: true, StartMs: 400, EndMs: 800},
		tok(0, "next", 1500, 1900),
	}})

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(lines), lines)
	}
	if lines[0].Text != "hello world" {
		t.Errorf("line 0 text = %q, want %q", lines[0].Text, "hello world")
	}
	if lines[1].Text != "next" {
		t.Errorf("line 1 text = %q, want %q", lines[1].Text, "next")
	}
}

func TestAssemblerMergeResumesAfterEndpoint(t *testing.T) {
	// An endpoint forces exactly one break; once the fresh line opens,
	// same-speaker tokens merge again.
	a := NewAssembler()
	lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{
		tok(1, "a", 0, 200),
		endpoint(),
		tok(1, "b ", 600, 800),
		tok(1, "c", 800, 1000),
	}})

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(lines), lines)
	}
	if lines[0].Text != "a" {
		t.Errorf("line 0 text = %q, want %q", lines[0].Text, "a")
	}
	if lines[1].Text != "b c" {
		t.Errorf("line 1 text = %q, want %q", lines[1].Text, "b c")
	}
	if lines[1].StartMs != 600 || lines[1].EndMs != 1000 {
		t.Errorf("line 1 range = [%d,%d], want [600,1000]", lines[1].StartMs, lines[1].EndMs)
	}
}

func TestAssemblerBatchBoundaryCloses(t *testing.T) {
	a := NewAssembler()

	first := a.ProcessBatch(&asr.Batch{Final: []asr.Token{tok(0, "early", 0, 500)}})
	second := a.ProcessBatch(&asr.Batch{Final: []asr.Token{tok(0, "late", 500, 1000)}})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("lines per batch = %d, %d, want 1 and 1", len(first), len(second))
	}
	if first[0].Text != "early" || second[0].Text != "late" {
		t.Errorf("texts = %q, %q", first[0].Text, second[0].Text)
	}
}

func TestAssemblerEmptyBatch(t *testing.T) {
	a := NewAssembler()
	if lines := a.ProcessBatch(&asr.Batch{}); len(lines) != 0 {
		t.Errorf("empty batch produced lines: %+v", lines)
	}
	// A batch with only an endpoint closes nothing.
	if lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{endpoint()}}); len(lines) != 0 {
		t.Errorf("endpoint-only batch produced lines: %+v", lines)
	}
}

func TestAssemblerPreview(t *testing.T) {
	a := NewAssembler()
	batch := &asr.Batch{
		Partial: []asr.Token{
			tok(0, "unstable ", 0, 200),
			tok(0, "guess", 200, 400),
		},
	}

	preview := a.Preview(batch)
	if len(preview) != 1 || preview[0].Text != "unstable guess" {
		t.Fatalf("preview = %+v, want one merged line", preview)
	}

	// Preview must not disturb assembler state: the next final batch
	// still produces its own complete line.
	lines := a.ProcessBatch(&asr.Batch{Final: []asr.Token{tok(0, "final", 0, 400)}})
	if len(lines) != 1 || lines[0].Text != "final" {
		t.Errorf("state leaked from Preview: %+v", lines)
	}

	if got := a.Preview(&asr.Batch{}); got != nil {
		t.Errorf("preview of empty batch = %+v, want nil", got)
	}
}
