package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshlink/internal/device"
	"meshlink/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestList(t *testing.T) (*ManualConnectionList, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	l, err := New(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return l, st
}

// failingStore rejects writes once armed.
type failingStore struct {
	store.Store
	fail bool
}

func (f *failingStore) Put(key string, v any) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Put(key, v)
}

func TestInsertIdempotent(t *testing.T) {
	l, _ := newTestList(t)
	d := device.New("radio (Manual)", device.TransportTCP, "10.0.0.2:4403")

	changed, err := l.Insert(d)
	if err != nil || !changed {
		t.Fatalf("first insert: changed=%v err=%v", changed, err)
	}
	changed, err = l.Insert(d)
	if err != nil || changed {
		t.Fatalf("second insert: changed=%v err=%v", changed, err)
	}
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}
	got, _ := l.Get("10.0.0.2:4403")
	if !got.IsManualConnection {
		t.Error("inserted entry not marked manual")
	}
}

func TestUpdateDeviceByIdentifier(t *testing.T) {
	l, _ := newTestList(t)
	l.Insert(device.New("a", device.TransportTCP, "host-a:4403"))
	l.Insert(device.New("b", device.TransportSerial, "/dev/ttyACM0"))

	changed, err := l.SetFirmwareVersion("/dev/ttyACM0", "2.7.4")
	if err != nil || !changed {
		t.Fatalf("SetFirmwareVersion: changed=%v err=%v", changed, err)
	}
	changed, _ = l.SetRSSI("missing", -40)
	if changed {
		t.Error("update of absent identifier reported a change")
	}

	list := l.List()
	if list[0].FirmwareVersion != nil {
		t.Error("unrelated entry changed")
	}
	if list[1].FirmwareVersion == nil || *list[1].FirmwareVersion != "2.7.4" {
		t.Errorf("firmware = %v, want 2.7.4", list[1].FirmwareVersion)
	}
}

func TestUpdateDeviceKeepsIdentifier(t *testing.T) {
	l, _ := newTestList(t)
	l.Insert(device.New("a", device.TransportTCP, "host-a:4403"))

	l.UpdateDevice("host-a:4403", func(d *device.Device) {
		d.Identifier = "other:1"
		d.Name = "renamed"
	})
	got, ok := l.Get("host-a:4403")
	if !ok || got.Name != "renamed" {
		t.Errorf("got %+v ok=%v", got, ok)
	}
}

func TestRemoveAndRemoveAt(t *testing.T) {
	l, _ := newTestList(t)
	for _, id := range []string{"a:1", "b:2", "c:3", "d:4"} {
		l.Insert(device.New(id, device.TransportTCP, id))
	}

	if changed, _ := l.Remove(device.New("x", device.TransportTCP, "b:2")); !changed {
		t.Error("Remove reported no change")
	}
	n, err := l.RemoveAt(0, 2, 99, -1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	list := l.List()
	if len(list) != 1 || list[0].Identifier != "c:3" {
		t.Errorf("list = %+v, want [c:3]", list)
	}

	if err := l.RemoveAll(); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 0 {
		t.Errorf("len = %d after RemoveAll", l.Len())
	}
}

func TestReloadFromStore(t *testing.T) {
	l, st := newTestList(t)
	l.Insert(device.New("one", device.TransportTCP, "one:4403"))
	l.Insert(device.New("two", device.TransportSerial, "/dev/ttyUSB0"))
	l.UpdateDevice("one:4403", func(d *device.Device) {
		*d = d.WithState(device.StateConnected())
	})

	reloaded, err := New(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[0].Identifier != "one:4403" || list[1].Identifier != "/dev/ttyUSB0" {
		t.Fatalf("reloaded = %+v", list)
	}
	for _, d := range list {
		if !d.WasRestored {
			t.Errorf("%s not marked restored", d.Identifier)
		}
		if d.ConnectionState.Kind != device.Disconnected {
			t.Errorf("%s state = %v, want disconnected", d.Identifier, d.ConnectionState)
		}
	}
	if list[0].ID != device.IDFromIdentifier("one:4403") {
		t.Error("id changed across reload")
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	l0, st := newTestList(t)
	l0.Insert(device.New("keep", device.TransportTCP, "keep:1"))

	fs := &failingStore{Store: st}
	l, err := New(fs, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	fs.fail = true

	if _, err := l.Insert(device.New("new", device.TransportTCP, "new:1")); err == nil {
		t.Fatal("expected persist error")
	}
	if _, err := l.RemoveAt(0); err == nil {
		t.Fatal("expected persist error")
	}
	list := l.List()
	if len(list) != 1 || list[0].Identifier != "keep:1" {
		t.Errorf("in-memory list diverged from disk: %+v", list)
	}
}

func TestObserveNotifiesInOrder(t *testing.T) {
	l, _ := newTestList(t)
	var lens []int
	unsubscribe := l.Observe(func(list []device.Device) {
		lens = append(lens, len(list))
	})

	l.Insert(device.New("a", device.TransportTCP, "a:1"))
	l.Insert(device.New("a", device.TransportTCP, "a:1"))
	l.Insert(device.New("b", device.TransportTCP, "b:1"))
	l.RemoveAt(0)
	unsubscribe()
	l.RemoveAll()

	want := []int{1, 2, 1}
	if len(lens) != len(want) {
		t.Fatalf("notifications = %v, want %v", lens, want)
	}
	for i := range want {
		if lens[i] != want[i] {
			t.Errorf("notification %d = %d, want %d", i, lens[i], want[i])
		}
	}
}

func TestObserverMayReadRegistry(t *testing.T) {
	l, _ := newTestList(t)
	var seen []int
	var unsubscribe func()
	unsubscribe = l.Observe(func(list []device.Device) {
		seen = append(seen, l.Len())
		if _, ok := l.Get("a:1"); !ok {
			t.Error("Get inside observer missed the new entry")
		}
		if len(l.List()) != len(list) {
			t.Error("List inside observer disagrees with snapshot")
		}
		unsubscribe()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Insert(device.New("a", device.TransportTCP, "a:1"))
		l.Insert(device.New("b", device.TransportTCP, "b:1"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Insert blocked while an observer read the registry")
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Errorf("observer saw %v, want [1]", seen)
	}
}

func TestConcurrentMutations(t *testing.T) {
	l, st := newTestList(t)
	var mu sync.Mutex
	var notified int
	l.Observe(func([]device.Device) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("10.0.0.%d:4403", i)
			if _, err := l.Insert(device.New(id, device.TransportTCP, id)); err != nil {
				t.Errorf("insert %s: %v", id, err)
				return
			}
			if _, err := l.SetRSSI(id, -i); err != nil {
				t.Errorf("set rssi %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if l.Len() != n {
		t.Fatalf("len = %d, want %d", l.Len(), n)
	}
	mu.Lock()
	if notified != 2*n {
		t.Errorf("notifications = %d, want %d", notified, 2*n)
	}
	mu.Unlock()

	reloaded, err := New(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range reloaded.List() {
		if d.RSSI == nil {
			t.Errorf("%s lost its RSSI on disk", d.Identifier)
		}
	}
	if reloaded.Len() != n {
		t.Errorf("reloaded len = %d, want %d", reloaded.Len(), n)
	}
}

func TestIdentifierIsTheKey(t *testing.T) {
	l, _ := newTestList(t)
	l.Insert(device.New("usb", device.TransportSerial, "/dev/ttyACM0"))

	changed, err := l.Insert(device.New("other", device.TransportTCP, "/dev/ttyACM0"))
	if err != nil || changed {
		t.Fatalf("insert with known identifier: changed=%v err=%v", changed, err)
	}
	l.Insert(device.New("net", device.TransportTCP, "10.0.0.9:4403"))

	l.SetFirmwareVersion("/dev/ttyACM0", "2.5.0")
	list := l.List()
	if list[0].FirmwareVersion == nil || *list[0].FirmwareVersion != "2.5.0" {
		t.Errorf("serial entry not updated: %+v", list[0])
	}
	if list[1].FirmwareVersion != nil {
		t.Errorf("unrelated entry updated: %+v", list[1])
	}

	if changed, _ := l.Remove(device.New("x", device.TransportSerial, "/dev/ttyACM0")); !changed {
		t.Fatal("Remove reported no change")
	}
	if l.Len() != 1 || l.List()[0].Identifier != "10.0.0.9:4403" {
		t.Errorf("list = %+v", l.List())
	}
}
