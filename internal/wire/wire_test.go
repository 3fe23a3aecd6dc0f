package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Ping{
		Base:      Base{Header: Header{MsgID: "n1:1", Source: Path{Hops: []NodeID{"n1"}}}},
		RequestMeta: RequestMeta{ReplyTag: "Pong", TimeoutMillis: 5000},
		TargetKey: "left",
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*Ping)
	if !ok {
		t.Fatalf("decoded type = %T, want *Ping", decoded)
	}
	if got.TargetKey != "left" || got.MsgID != "n1:1" || got.ReplyTag != "Pong" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte(`{"tag":"NoSuchMessage","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestTagsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for tag := range registry {
		if seen[tag] {
			t.Fatalf("duplicate tag %q in registry", tag)
		}
		seen[tag] = true
	}
	if len(registry) < 30 {
		t.Fatalf("expected the full message set registered, got %d tags", len(registry))
	}
}

func TestPathCollapsedRemovesLoop(t *testing.T) {
	p := Path{Hops: []NodeID{"a", "b", "c", "b", "d"}}
	got := p.Collapsed()
	want := []NodeID{"a", "b", "d"}
	if len(got.Hops) != len(want) {
		t.Fatalf("Collapsed = %v, want %v", got.Hops, want)
	}
	for i := range want {
		if got.Hops[i] != want[i] {
			t.Fatalf("Collapsed = %v, want %v", got.Hops, want)
		}
	}
}

func TestPathReversedAndEqual(t *testing.T) {
	p := Path{Hops: []NodeID{"a", "b", "c"}}
	r := p.Reversed()
	want := Path{Hops: []NodeID{"c", "b", "a"}}
	if !r.Equal(want) {
		t.Fatalf("Reversed = %v, want %v", r.Hops, want.Hops)
	}
	if p.Equal(r) {
		t.Fatal("a path should not equal its own reversal (length 3, asymmetric)")
	}
}

func TestPathPrepend(t *testing.T) {
	p := Path{Hops: []NodeID{"b", "c"}}
	got := p.Prepend("a")
	if len(got.Hops) != 3 || got.Hops[0] != "a" {
		t.Fatalf("Prepend = %v", got.Hops)
	}
}
