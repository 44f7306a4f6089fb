package secmem

import "testing"

func TestWithBytesRoundtrip(t *testing.T) {
	b := New(17)
	defer b.Free()
	data := []byte("supersecret123456")
	if !b.Copy(data) {
		t.Fatal("Copy failed")
	}
	err := b.WithBytes(func(got []byte) error {
		if string(got[:len(data)]) != string(data) {
			t.Fatalf("data mismatch: %q vs %q", got[:len(data)], data)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFromStringAndString(t *testing.T) {
	b := FromString("zoo zoo zoo mnemonic words")
	defer b.Free()
	if got := b.String(); got != "zoo zoo zoo mnemonic words" {
		t.Fatalf("String() = %q", got)
	}
}

func TestFreeZeroesBuffer(t *testing.T) {
	b := FromString("hello")
	b.Free()
	if got := b.String(); got != "" {
		t.Fatalf("String() after Free = %q, want empty", got)
	}
	if err := b.WithBytes(func([]byte) error { return nil }); err == nil {
		t.Fatal("expected error from WithBytes on freed buffer")
	}
}

func TestCopyRejectsOversizedSource(t *testing.T) {
	b := New(4)
	defer b.Free()
	if b.Copy([]byte("toolong")) {
		t.Fatal("expected Copy to reject a source longer than the buffer")
	}
}
