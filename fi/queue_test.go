package fi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventQueueTimeout(t *testing.T) {
	_, _, fabric, _ := setupLoopbackResources(t, EndpointTypeMsg)
	eq := openEventQueue(t, fabric)

	if _, err := eq.Read(); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("expected ErrNoEvent, got %v", err)
	}
	start := time.Now()
	if _, err := eq.ReadBlocking(30 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("ReadBlocking returned before its timeout")
	}
	if _, err := eq.ReadError(); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("expected ErrNoEvent from an empty error queue, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := eq.ReadContext(ctx, -1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestEventQueueWithoutWaitObject(t *testing.T) {
	_, _, fabric, _ := setupLoopbackResources(t, EndpointTypeMsg)
	eq, err := fabric.OpenEventQueue(&EventQueueAttr{WaitObj: WaitNone})
	if err != nil {
		t.Fatalf("OpenEventQueue failed: %v", err)
	}
	defer eq.Close()
	if _, err := eq.ReadBlocking(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCompletionQueueEmpty(t *testing.T) {
	_, _, _, domain := setupLoopbackResources(t, EndpointTypeRDM)
	cq := openCompletionQueue(t, domain)
	if cq.Format() != CQFormatContext {
		t.Fatalf("expected context format, got %v", cq.Format())
	}

	evt, err := cq.PollOnce()
	if evt != nil || err != nil {
		t.Fatalf("expected an empty poll, got %v, %v", evt, err)
	}
	if _, err := cq.ReadContext(); !errors.Is(err, ErrNoCompletion) {
		t.Fatalf("expected ErrNoCompletion, got %v", err)
	}
	for _, mode := range []WaitMode{WaitModePoll, WaitModeBlock} {
		if _, err := cq.WaitForNext(context.Background(), WaitOptions{Mode: mode, Timeout: 20 * time.Millisecond}); !errors.Is(err, ErrTimeout) {
			t.Fatalf("%s: expected ErrTimeout, got %v", mode, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cq.WaitForNext(ctx, WaitOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseWaitMode(t *testing.T) {
	cases := map[string]WaitMode{"": WaitModePoll, "poll": WaitModePoll, "block": WaitModeBlock}
	for in, want := range cases {
		got, err := ParseWaitMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseWaitMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWaitMode("spin"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestCounterOperations(t *testing.T) {
	_, _, _, domain := setupLoopbackResources(t, EndpointTypeRDM)
	cntr, err := domain.OpenCounter(nil)
	if err != nil {
		t.Fatalf("OpenCounter failed: %v", err)
	}
	defer cntr.Close()

	if err := cntr.Add(2); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if cntr.Read() != 2 {
		t.Fatalf("expected 2, got %d", cntr.Read())
	}
	if err := cntr.Wait(context.Background(), 2, testTimeout); err != nil {
		t.Fatalf("Wait for reached threshold failed: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = cntr.Add(1)
	}()
	if err := cntr.Wait(context.Background(), 3, testTimeout); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	err = cntr.Wait(context.Background(), 5, 20*time.Millisecond)
	var timeoutErr *CounterTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected CounterTimeoutError, got %v", err)
	}
	if !errors.Is(err, ErrCounterStalled) || timeoutErr.Value != 3 {
		t.Fatalf("expected a stall at 3, got %+v", timeoutErr)
	}

	if err := cntr.Set(0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = cntr.Add(1)
	}()
	err = cntr.Wait(context.Background(), 5, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) || errors.Is(err, ErrCounterStalled) {
		t.Fatalf("expected a partial timeout, got %v", err)
	}

	if err := cntr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cntr.Add(1); !errors.As(err, new(ErrInvalidHandle)) {
		t.Fatalf("expected ErrInvalidHandle after close, got %v", err)
	}
}

func TestAddressVector(t *testing.T) {
	_, _, _, domain := setupLoopbackResources(t, EndpointTypeRDM)
	av, err := domain.OpenAddressVector(&AddressVectorAttr{Type: AVTypeMap})
	if err != nil {
		t.Fatalf("OpenAddressVector failed: %v", err)
	}
	defer av.Close()

	a, err := av.InsertService("node1", "9001", 0)
	if err != nil {
		t.Fatalf("InsertService failed: %v", err)
	}
	b, err := av.InsertRaw([]byte("node1:9001"), 0)
	if err != nil {
		t.Fatalf("InsertRaw failed: %v", err)
	}
	if a != b {
		t.Fatalf("same name should map to the same address")
	}
	name, err := av.Lookup(a)
	if err != nil || string(name) != "node1:9001" {
		t.Fatalf("Lookup = %q, %v", name, err)
	}
	if av.Count() != 1 {
		t.Fatalf("expected one entry, got %d", av.Count())
	}
	if err := av.Remove([]Address{a}, 0); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := av.Lookup(a); err == nil {
		t.Fatalf("expected lookup of removed address to fail")
	}
}
