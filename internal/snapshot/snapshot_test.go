package snapshot_test

import (
	"testing"
	"time"

	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/snapshot"
)

func TestPutGet_RoundTrip(t *testing.T) {
	m := snapshot.New()
	m.Put(models.SensorState{SensorID: "a", TemperatureC: 21.5})

	s, ok := m.Get("a")
	if !ok {
		t.Fatal("expected entry present")
	}
	if s.TemperatureC != 21.5 {
		t.Errorf("expected 21.5, got %v", s.TemperatureC)
	}
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	m := snapshot.New()
	m.Put(models.SensorState{SensorID: "a", TemperatureC: 1})
	m.Put(models.SensorState{SensorID: "b", TemperatureC: 2})

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}

	m.Put(models.SensorState{SensorID: "a", TemperatureC: 999})
	for _, s := range snap {
		if s.SensorID == "a" && s.TemperatureC == 999 {
			t.Fatal("snapshot should not reflect mutations made after it was taken")
		}
	}
}

func TestRemove(t *testing.T) {
	m := snapshot.New()
	m.Put(models.SensorState{SensorID: "a"})
	m.Remove("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("expected entry removed")
	}
}

func TestEvictStale(t *testing.T) {
	m := snapshot.New()
	m.Put(models.SensorState{SensorID: "fresh", UpdateTimestampMs: 9000})
	m.Put(models.SensorState{SensorID: "stale", UpdateTimestampMs: 0})

	evicted := m.EvictStale(10000, 5000)
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected only 'stale' evicted, got %v", evicted)
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("expected 'fresh' entry retained")
	}
	if _, ok := m.Get("stale"); ok {
		t.Error("expected 'stale' entry removed")
	}
}

func TestLen(t *testing.T) {
	m := snapshot.New()
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got len=%d", m.Len())
	}
	m.Put(models.SensorState{SensorID: "a"})
	if m.Len() != 1 {
		t.Fatalf("expected len=1, got %d", m.Len())
	}
}

func TestSubscribe_ReceivesPublishedState(t *testing.T) {
	m := snapshot.New()
	ch := m.Subscribe("watcher")
	defer m.Unsubscribe("watcher")

	m.Put(models.SensorState{SensorID: "a", TemperatureC: 5})

	select {
	case s := <-ch:
		if s.SensorID != "a" {
			t.Errorf("expected SensorID 'a', got %q", s.SensorID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a published update")
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	m := snapshot.New()
	ch := m.Subscribe("watcher")
	m.Unsubscribe("watcher")

	m.Put(models.SensorState{SensorID: "a"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
}

func TestSubscribe_SlowSubscriberDoesNotBlockPut(t *testing.T) {
	m := snapshot.New()
	m.Subscribe("slow") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subBufferSizeForTest+5; i++ {
			m.Put(models.SensorState{SensorID: "a", TemperatureC: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked on a slow subscriber")
	}
}

const subBufferSizeForTest = 8
