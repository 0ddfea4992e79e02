package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
	if _, ok := <-ch1; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(EntryAdded("/docs/file.txt"))

	select {
	case received := <-ch:
		if received.Type != EventEntryAdded {
			t.Errorf("expected type %s, got %s", EventEntryAdded, received.Type)
		}
		if received.Path != "/docs/file.txt" {
			t.Errorf("expected path /docs/file.txt, got %s", received.Path)
		}
		if received.Dir != "/docs" {
			t.Errorf("expected dir /docs, got %s", received.Dir)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(EntryRemoved("/shared.txt"))

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Path != "/shared.txt" || received.Dir != "/" {
				t.Errorf("subscriber %d: unexpected event %+v", i, received)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(EntryAdded("/overflow.txt"))
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestTransferProgressJSON(t *testing.T) {
	e := TransferProgress(KindDownload, "/photos", 0.5)
	e.Timestamp = 1234567890
	data, err := MarshalEvent(e)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != EventTransferProgress || decoded["kind"] != KindDownload {
		t.Errorf("unexpected JSON %s", data)
	}
	if decoded["progress"] != 0.5 {
		t.Errorf("progress = %v, want 0.5", decoded["progress"])
	}
}
