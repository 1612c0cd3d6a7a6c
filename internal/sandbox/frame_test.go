package sandbox

import (
	"strings"
	"testing"
)

func TestFrameParserExtractsBlock(t *testing.T) {
	var p frameParser
	lines := []string{
		"npm WARN something unrelated",
		OutputStartMarker,
		`{"status":"success","result":"All done","sessionId":"s-1"}`,
		OutputEndMarker,
		"trailing noise",
	}
	var blocks []OutputBlock
	for _, l := range lines {
		b, err := p.feed(l)
		if err != nil {
			t.Fatalf("feed(%q): %v", l, err)
		}
		if b != nil {
			blocks = append(blocks, *b)
		}
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.Status != StatusSuccess || b.Result == nil || *b.Result != "All done" || b.SessionID != "s-1" {
		t.Errorf("block = %+v", b)
	}
}

func TestFrameParserNullResult(t *testing.T) {
	var p frameParser
	p.feed(OutputStartMarker)
	p.feed(`{"status":"success","result":null,"sessionId":"s-2"}`)
	b, err := p.feed(OutputEndMarker)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Result != nil {
		t.Errorf("want block with nil result, got %+v", b)
	}
}

func TestFrameParserErrorStatus(t *testing.T) {
	var p frameParser
	p.feed(OutputStartMarker)
	p.feed(`{"status":"error","result":null,"error":"provider crashed"}`)
	b, err := p.feed(OutputEndMarker)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != StatusError || b.Error != "provider crashed" {
		t.Errorf("block = %+v", b)
	}
}

func TestFrameParserRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "garbage {"},
		{"unknown status", `{"status":"maybe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p frameParser
			p.feed(OutputStartMarker)
			p.feed(tt.body)
			if _, err := p.feed(OutputEndMarker); err == nil {
				t.Error("want error for malformed block")
			}
			// Parser must recover for the next frame.
			p.feed(OutputStartMarker)
			p.feed(`{"status":"success","result":"ok"}`)
			if b, err := p.feed(OutputEndMarker); err != nil || b == nil {
				t.Errorf("parser did not recover: b=%v err=%v", b, err)
			}
		})
	}
}

func TestFrameParserEndWithoutStartIgnored(t *testing.T) {
	var p frameParser
	b, err := p.feed(OutputEndMarker)
	if err != nil || b != nil {
		t.Errorf("stray end marker: b=%v err=%v", b, err)
	}
}

func TestFrameParserRestartAbandonsPartial(t *testing.T) {
	var p frameParser
	p.feed(OutputStartMarker)
	p.feed(`{"status":`)
	p.feed(OutputStartMarker)
	p.feed(`{"status":"success","result":"second"}`)
	b, err := p.feed(OutputEndMarker)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || *b.Result != "second" {
		t.Errorf("block = %+v, want second frame", b)
	}
}

func TestFrameParserMultipleBlocks(t *testing.T) {
	var p frameParser
	var got []string
	stream := strings.Join([]string{
		OutputStartMarker, `{"status":"success","result":"one"}`, OutputEndMarker,
		"chatter",
		OutputStartMarker, `{"status":"success","result":"two"}`, OutputEndMarker,
	}, "\n")
	for _, l := range strings.Split(stream, "\n") {
		if b, err := p.feed(l); err != nil {
			t.Fatal(err)
		} else if b != nil {
			got = append(got, *b.Result)
		}
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("results = %v", got)
	}
}
