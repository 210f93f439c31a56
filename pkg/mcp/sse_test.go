package mcp

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestSSEDecoderParsesTwoEvents(t *testing.T) {
	stream := "id: 1\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"progress\",\"params\":{\"p\":1}}\n\n" +
		"id: 2\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"progress\",\"params\":{\"p\":2}}\n\n"

	dec := NewSSEDecoder(strings.NewReader(stream))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.ID != "1" || first.EventType != DefaultSSEEventType {
		t.Errorf("unexpected first event: %+v", first)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.ID != "2" {
		t.Errorf("unexpected second event id: %q", second.ID)
	}
}

func TestSSEDecoderIgnoresComments(t *testing.T) {
	stream := ": keep-alive\nid: 1\ndata: hello\n\n"
	dec := NewSSEDecoder(strings.NewReader(stream))

	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != "hello" {
		t.Errorf("expected data %q, got %q", "hello", ev.Data)
	}
}

func TestSSEDecoderHonorsRetry(t *testing.T) {
	stream := "retry: 5000\ndata: x\n\n"
	dec := NewSSEDecoder(strings.NewReader(stream))

	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.RetryMs == nil || *ev.RetryMs != 5000 {
		t.Errorf("expected retry 5000, got %v", ev.RetryMs)
	}
}

func TestSSEDecoderMultilineData(t *testing.T) {
	stream := "data: line1\ndata: line2\n\n"
	dec := NewSSEDecoder(strings.NewReader(stream))

	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != "line1\nline2" {
		t.Errorf("expected joined multi-line data, got %q", ev.Data)
	}
}

func TestSSEDecoderEOFOnExhaustedStream(t *testing.T) {
	dec := NewSSEDecoder(strings.NewReader(""))
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEEncodeDecodeRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewSSEEncoder(&buf)
	retry := 2000
	want := &ParsedSSEEvent{ID: "7", EventType: "progress", Data: "payload", RetryMs: &retry}
	if err := enc.Encode(want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewSSEDecoder(&buf)
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.ID != want.ID || got.EventType != want.EventType || got.Data != want.Data {
		t.Errorf("roundtrip mismatch: got %+v want %+v", got, want)
	}
	if got.RetryMs == nil || *got.RetryMs != *want.RetryMs {
		t.Errorf("roundtrip retry mismatch: got %v want %v", got.RetryMs, *want.RetryMs)
	}
}

func TestAppendSSEEventReusesBuffer(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get()

	buf = AppendSSEEvent(buf, &ParsedSSEEvent{ID: "3", Data: "x"})
	wire := string(buf)
	pool.Put(buf)

	if wire != "id: 3\ndata: x\n\n" {
		t.Errorf("unexpected wire form: %q", wire)
	}

	// The default event type is implicit on the wire.
	plain := AppendSSEEvent(nil, &ParsedSSEEvent{EventType: DefaultSSEEventType, Data: "y"})
	if strings.Contains(string(plain), "event:") {
		t.Errorf("default event type should be omitted: %q", plain)
	}
}
