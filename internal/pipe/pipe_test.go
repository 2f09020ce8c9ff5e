package pipe

import (
	"sync"
	"testing"
	"time"
)

func TestWriteThenRead(t *testing.T) {
	set := NewSet()
	idx, err := set.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	slot := set.Slot(idx)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := slot.Write(payload); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 128)
	n, err := slot.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 64 {
		t.Fatalf("read %d bytes, want 64", n)
	}
}

func TestReadEOFAfterTransferOver(t *testing.T) {
	set := NewSet()
	idx, _ := set.Alloc()
	slot := set.Slot(idx)

	slot.CloseWrite()
	buf := make([]byte, 16)
	n, err := slot.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("Read on closed empty slot = %d, %v, want 0, nil", n, err)
	}
}

func TestWriterBlocksUntilReaderDrains(t *testing.T) {
	set := NewSet()
	idx, _ := set.Alloc()
	slot := set.Slot(idx)

	slot.Write(make([]byte, 10))

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		slot.Write(make([]byte, 10)) // must block until the first buffer is drained
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Write returned before the slot was drained")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 10)
	slot.Read(buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Write never unblocked after drain")
	}
	wg.Wait()
}
