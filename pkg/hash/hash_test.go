package hash

import "testing"

func TestAbsentIsZero(t *testing.T) {
	var zero Hash
	if !zero.IsAbsent() {
		t.Fatal("zero-valued hash should be absent")
	}
	if New([]byte("x")).IsAbsent() {
		t.Fatal("non-zero hash should not be absent")
	}
}

func TestRoundTripHex(t *testing.T) {
	h := New([]byte("hello world"))
	parsed, err := FromHex(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != h {
		t.Error("round-tripped hash does not match original")
	}
}

func TestFromBytesWrongLength(t *testing.T) {
	if _, ok := FromBytes([]byte{1, 2, 3}); ok {
		t.Error("expected failure for short byte slice")
	}
}

func TestShardPrefix(t *testing.T) {
	h := New([]byte("shard"))
	if len(h.ShardPrefix()) != 2 {
		t.Error("shard prefix should be two characters")
	}
}

func TestStreamingFactory(t *testing.T) {
	f := NewFactory()
	f.Write([]byte("hello "))
	f.Write([]byte("world"))
	streamed := Sum(f)
	direct := New([]byte("hello world"))
	if streamed != direct {
		t.Error("streaming hash does not match direct hash")
	}
}
