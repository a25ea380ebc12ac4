package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fieldsense/i2csensors/internal/api"
	"github.com/fieldsense/i2csensors/internal/detect"
	"github.com/fieldsense/i2csensors/internal/models"
)

type fakeRegistry struct {
	states map[string]models.SensorState
}

func (f fakeRegistry) AllSensorState() map[string]models.SensorState { return f.states }
func (f fakeRegistry) SensorState(id string) (models.SensorState, bool) {
	s, ok := f.states[id]
	return s, ok
}

type fakeScanner struct {
	result detect.Result
	err    error
}

func (f fakeScanner) Scan(busPath models.BusPath) (detect.Result, error) { return f.result, f.err }

type fakeSubscriber struct {
	ch map[string]chan models.SensorState
}

func (f *fakeSubscriber) Subscribe(id string) <-chan models.SensorState {
	ch := make(chan models.SensorState, 1)
	f.ch[id] = ch
	return ch
}

func (f *fakeSubscriber) Unsubscribe(id string) {
	if ch, ok := f.ch[id]; ok {
		close(ch)
		delete(f.ch, id)
	}
}

func newTestServer(t *testing.T, reg fakeRegistry, scan fakeScanner) *httptest.Server {
	t.Helper()
	sub := &fakeSubscriber{ch: make(map[string]chan models.SensorState)}
	router := api.NewRouter(reg, scan, sub)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetSensors_ReturnsFullSnapshot(t *testing.T) {
	reg := fakeRegistry{states: map[string]models.SensorState{
		"a": {SensorID: "a", Connected: true},
	}}
	srv := newTestServer(t, reg, fakeScanner{})

	resp, err := http.Get(srv.URL + "/sensors")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]models.SensorState
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["a"]; !ok {
		t.Errorf("expected sensor 'a' in response, got %v", got)
	}
}

func TestGetSensor_NotFound(t *testing.T) {
	reg := fakeRegistry{states: map[string]models.SensorState{}}
	srv := newTestServer(t, reg, fakeScanner{})

	resp, err := http.Get(srv.URL + "/sensors/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetScan_ReturnsDevicesAndTable(t *testing.T) {
	reg := fakeRegistry{states: map[string]models.SensorState{}}
	scan := fakeScanner{result: detect.Result{
		Devices: []models.DeviceInfo{{Address: 0x44, DeviceType: models.DeviceSHT40}},
		Table:   "     0  1\n00: -- --\n",
	}}
	srv := newTestServer(t, reg, scan)

	resp, err := http.Get(srv.URL + "/scan/i2c-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Devices []models.DeviceInfo `json:"devices"`
		Table   string              `json:"table"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Devices) != 1 || got.Table == "" {
		t.Errorf("unexpected scan response: %+v", got)
	}
}

func TestGetEvents_StreamsWithEventStreamHeaders(t *testing.T) {
	reg := fakeRegistry{states: map[string]models.SensorState{}}
	srv := newTestServer(t, reg, fakeScanner{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}
}
