package blockdev

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

// countingDevice records how many reads reach the wrapped device.
type countingDevice struct {
	Device
	reads int
}

func (c *countingDevice) ReadBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int, allowCache bool) error {
	c.reads++
	return c.Device.ReadBlock(ctx, idx, buf, offset, allowCache)
}

func testDevice(t *testing.T, dev Device) {
	t.Helper()
	ctx := context.Background()

	bs := dev.BlockSize()
	block := bytes.Repeat([]byte{0xAB}, bs)
	if err := dev.WriteBlock(ctx, 3, block, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := dev.WriteBlock(ctx, 3, []byte("hello"), 10); err != nil {
		t.Fatalf("partial write: %v", err)
	}

	got := make([]byte, bs)
	if err := dev.ReadBlock(ctx, 3, got, 0, true); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append([]byte(nil), block...)
	copy(want[10:], "hello")
	if !bytes.Equal(got, want) {
		t.Fatal("block content mismatch after partial write")
	}

	part := make([]byte, 5)
	if err := dev.ReadBlock(ctx, 3, part, 10, true); err != nil {
		t.Fatalf("partial read: %v", err)
	}
	if string(part) != "hello" {
		t.Errorf("partial read = %q, want hello", part)
	}

	zero := make([]byte, bs)
	if err := dev.ReadBlock(ctx, 4, got, 0, true); err != nil {
		t.Fatalf("read unwritten: %v", err)
	}
	if !bytes.Equal(got, zero) {
		t.Error("unwritten block is not zero")
	}

	if err := dev.ReadBlock(ctx, BlockIndex(dev.BlockCount()), got, 0, true); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("read past end: err = %v, want ErrOutOfBounds", err)
	}
	if err := dev.WriteBlock(ctx, 0, []byte("xx"), bs-1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("write across block end: err = %v, want ErrOutOfBounds", err)
	}
}

func TestMemory(t *testing.T) {
	dev := NewMemory(1024, 16)
	testDevice(t, dev)

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReadBlock(context.Background(), 0, make([]byte, 1), 0, true); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close: err = %v, want ErrClosed", err)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := CreateFile(path, 2048, 8)
	if err != nil {
		t.Fatal(err)
	}
	testDevice(t, dev)
	if err := dev.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := OpenFile(path, 2048, true)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	if ro.BlockCount() != 8 {
		t.Errorf("block count = %d, want 8", ro.BlockCount())
	}
	part := make([]byte, 5)
	if _, err := ro.ReadAt(part, 3*2048+10); err != nil {
		t.Fatal(err)
	}
	if string(part) != "hello" {
		t.Errorf("reopened content = %q, want hello", part)
	}
	if err := ro.WriteBlock(context.Background(), 0, []byte{1}, 0); err == nil {
		t.Error("write to read-only image succeeded")
	}
}

func TestCached(t *testing.T) {
	ctx := context.Background()

	inner := &countingDevice{Device: NewMemory(1024, 16)}
	dev, err := NewCached(inner, 4)
	if err != nil {
		t.Fatal(err)
	}
	testDevice(t, dev)

	buf := make([]byte, 1024)
	inner.reads = 0
	for i := 0; i < 3; i++ {
		if err := dev.ReadBlock(ctx, 3, buf, 0, true); err != nil {
			t.Fatal(err)
		}
	}
	if inner.reads != 0 {
		t.Errorf("cached reads reached the device %d times", inner.reads)
	}

	if err := dev.ReadBlock(ctx, 3, buf, 0, false); err != nil {
		t.Fatal(err)
	}
	if inner.reads != 1 {
		t.Errorf("uncached read: device reads = %d, want 1", inner.reads)
	}

	// A partial write must not be visible through a slice handed out
	// earlier.
	before := make([]byte, 1024)
	if err := dev.ReadBlock(ctx, 3, before, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBlock(ctx, 3, []byte("world"), 10); err != nil {
		t.Fatal(err)
	}
	if string(before[10:15]) != "hello" {
		t.Error("earlier read buffer changed")
	}
	if err := dev.ReadBlock(ctx, 3, buf, 0, true); err != nil {
		t.Fatal(err)
	}
	if string(buf[10:15]) != "world" {
		t.Errorf("cached block = %q, want world", buf[10:15])
	}

	for i := BlockIndex(0); i < 8; i++ {
		if err := dev.ReadBlock(ctx, i, buf, 0, true); err != nil {
			t.Fatal(err)
		}
	}
	if dev.Len() > 4 {
		t.Errorf("cache holds %d blocks, capacity is 4", dev.Len())
	}

	dev.Invalidate()
	if dev.Len() != 0 {
		t.Errorf("cache holds %d blocks after Invalidate", dev.Len())
	}
}

// yieldingDevice gives up the processor around every access so concurrent
// callers interleave inside the cache.
type yieldingDevice struct {
	Device
}

func (d *yieldingDevice) ReadBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int, allowCache bool) error {
	runtime.Gosched()
	err := d.Device.ReadBlock(ctx, idx, buf, offset, allowCache)
	runtime.Gosched()
	return err
}

func (d *yieldingDevice) WriteBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int) error {
	runtime.Gosched()
	err := d.Device.WriteBlock(ctx, idx, buf, offset)
	runtime.Gosched()
	return err
}

func TestCachedConcurrentPartialWrites(t *testing.T) {
	const (
		blockSize = 1024
		blocks    = 4
		writers   = 8
		part      = blockSize / writers
		rounds    = 300
	)

	ctx := context.Background()
	mem := NewMemory(blockSize, blocks)
	c, err := NewCached(&yieldingDevice{Device: mem}, blocks)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}

	for round := range rounds {
		idx := BlockIndex(round % blocks)
		if round%3 == 0 {
			c.Invalidate()
		}

		var wg sync.WaitGroup
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				buf := bytes.Repeat([]byte{byte(round + w + 1)}, part)
				if err := c.WriteBlock(ctx, idx, buf, w*part); err != nil {
					t.Errorf("write: %v", err)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, blockSize)
			if err := c.ReadBlock(ctx, idx, buf, 0, true); err != nil {
				t.Errorf("read: %v", err)
			}
		}()
		wg.Wait()

		cached := make([]byte, blockSize)
		if err := c.ReadBlock(ctx, idx, cached, 0, true); err != nil {
			t.Fatalf("read cached: %v", err)
		}
		stored := make([]byte, blockSize)
		if err := mem.ReadBlock(ctx, idx, stored, 0, false); err != nil {
			t.Fatalf("read device: %v", err)
		}
		if !bytes.Equal(cached, stored) {
			t.Fatalf("round %d: cached block %d differs from the device", round, idx)
		}
	}
}
