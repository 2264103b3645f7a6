package transcript

import (
	"strings"

	"github.com/quillaudio/quill/pkg/asr"
)

// Assembler merges recognition tokens into speaker-attributed lines.
//
// It keeps at most one open group of same-speaker tokens. A group is
// closed into a Line on a speaker change or at the end of a batch. An
// utterance endpoint marks the open group as finished, so the next
// token starts a fresh line even when the speaker does not change.
//
// Not safe for concurrent use; one Assembler belongs to one session
// loop.
type Assembler struct {
	open         bool
	speaker      int
	text         strings.Builder
	startMs      int64
	endMs        int64
	forceNewLine bool
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// ProcessBatch consumes the finalized tokens of one recognizer batch
// and returns the lines closed by it. Any group still open at the end
// of the batch is closed too, so every finalized token is part of some
// returned line.
func (a *Assembler) ProcessBatch(batch *asr.Batch) []Line {
	var lines []Line
	for _, tok := range batch.Final {
		lines = a.feed(tok, lines)
	}
	if a.open {
		lines = append(lines, a.closeGroup())
	}
	return lines
}

func (a *Assembler) feed(tok asr.Token, lines []Line) []Line {
	if tok.Text != "" {
		switch {
		case !a.open:
			a.openGroup(tok)
		case tok.Speaker == a.speaker && !a.forceNewLine:
			a.text.WriteString(tok.Text)
			a.endMs = tok.EndMs
		default:
			lines = append(lines, a.closeGroup())
			a.openGroup(tok)
		}
	}
	if tok.Endpoint {
		a.forceNewLine = true
	}
	return lines
}

func (a *Assembler) openGroup(tok asr.Token) {
	a.open = true
	a.speaker = tok.Speaker
	a.text.Reset()
	a.text.WriteString(tok.Text)
	a.startMs = tok.StartMs
	a.endMs = tok.EndMs
	a.forceNewLine = false
}

func (a *Assembler) closeGroup() Line {
	line := Line{
		Speaker: a.speaker,
		Text:    a.text.String(),
		StartMs: a.startMs,
		EndMs:   a.endMs,
	}
	a.open = false
	a.text.Reset()
	return line
}

// Preview renders the batch's partial tokens as provisional lines using
// the same merge rules, without touching assembler state. Partials are
// replaced wholesale by the next batch, so the result is display-only.
func (a *Assembler) Preview(batch *asr.Batch) []Line {
	if len(batch.Partial) == 0 {
		return nil
	}
	tmp := NewAssembler()
	return tmp.ProcessBatch(&asr.Batch{Final: batch.Partial})
}
