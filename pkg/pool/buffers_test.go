package pool

import "testing"

func TestBufferPoolReusesAndResets(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("hello")
	PutBuffer(buf)

	again := GetBuffer()
	if again.Len() != 0 {
		t.Fatalf("expected reset buffer, got %d bytes", again.Len())
	}
}

func TestRingBufferFIFO(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 3; i++ {
		if over := rb.Push(i); over {
			t.Fatalf("push %d should not overwrite", i)
		}
	}
	if !rb.IsFull() {
		t.Fatal("expected full buffer")
	}

	if over := rb.Push(4); !over {
		t.Fatal("push at capacity must overwrite the oldest")
	}

	want := []int{2, 3, 4}
	for _, w := range want {
		got, ok := rb.Pop()
		if !ok || got != w {
			t.Fatalf("expected %d, got %d (ok=%v)", w, got, ok)
		}
	}
	if _, ok := rb.Pop(); ok {
		t.Fatal("expected empty buffer")
	}
}

func TestRingBufferDrainReturnsInOrder(t *testing.T) {
	rb := NewRingBuffer[string](4)
	rb.Push("a")
	rb.Push("b")
	rb.Push("c")

	got := rb.Drain()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected drain result: %v", got)
	}
	if !rb.IsEmpty() {
		t.Fatal("drain must empty the buffer")
	}
}
