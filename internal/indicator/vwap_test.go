package indicator

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// vbar builds a flat 15m bar (O=H=L=C) so the typical price is exact.
func vbar(unix int64, close, volume string) model.Candle {
	px := decimal.RequireFromString(close)
	return model.Candle{
		TokenAddress: "tok",
		Timeframe:    model.TF15m,
		UnixTime:     unix,
		Open:         px,
		High:         px,
		Low:          px,
		Close:        px,
		Volume:       decimal.RequireFromString(volume),
		Source:       model.SourcePrimary,
	}
}

func TestVWAPCumulative(t *testing.T) {
	v := NewVWAP("tok", model.TF15m, t0)

	steps := []struct {
		close, volume, want string
	}{
		{"1.00", "100", "1.00"},   // 100/100
		{"1.01", "100", "1.005"},  // 201/200
		{"1.02", "200", "1.0125"}, // 405/400
	}
	for i, s := range steps {
		pt, ok := v.Update(vbar(t0+int64(i)*900, s.close, s.volume))
		if !ok {
			t.Fatalf("bar %d: no stamp", i)
		}
		if want := decimal.RequireFromString(s.want); !pt.Value.Equal(want) {
			t.Errorf("bar %d: got %s, want %s", i, pt.Value, want)
		}
	}
	if got := v.Session().CumVolume; !got.Equal(decimal.NewFromInt(400)) {
		t.Errorf("cumulative volume: got %s, want 400", got)
	}
}

func TestVWAPSessionReset(t *testing.T) {
	lastBucket := t0 + 86400 - 900 // 23:45 of day one
	v := NewVWAP("tok", model.TF15m, lastBucket)
	v.Update(vbar(lastBucket, "2.00", "500"))

	// First bar of the next UTC day starts a clean accumulator.
	pt, ok := v.Update(vbar(t0+86400, "1.00", "100"))
	if !ok {
		t.Fatal("no stamp after rollover")
	}
	if !pt.Value.Equal(decimal.NewFromInt(1)) {
		t.Errorf("rollover vwap: got %s, want 1", pt.Value)
	}

	sess := v.Session()
	if sess.SessionStart != t0+86400 || sess.SessionEnd != t0+2*86400-1 {
		t.Errorf("session bounds: got [%d, %d]", sess.SessionStart, sess.SessionEnd)
	}
	if !sess.CumVolume.Equal(decimal.NewFromInt(100)) {
		t.Errorf("volume carried across sessions: %s", sess.CumVolume)
	}
}

func TestVWAPZeroVolumeBars(t *testing.T) {
	v := NewVWAP("tok", model.TF15m, t0)

	// Nothing to stamp before the session has any volume.
	if _, ok := v.Update(vbar(t0, "1.00", "0")); ok {
		t.Error("stamped a vwap before any volume")
	}

	pt, ok := v.Update(vbar(t0+900, "1.01", "100"))
	if !ok || !pt.Value.Equal(decimal.RequireFromString("1.01")) {
		t.Fatalf("first volume bar: got %s ok=%v", pt.Value, ok)
	}

	// Zero-volume bars carry the running value without diluting it.
	pt, ok = v.Update(vbar(t0+1800, "5.00", "0"))
	if !ok {
		t.Fatal("zero-volume bar not stamped")
	}
	if !pt.Value.Equal(decimal.RequireFromString("1.01")) {
		t.Errorf("zero-volume bar moved vwap: %s", pt.Value)
	}
	if !v.Session().CumVolume.Equal(decimal.NewFromInt(100)) {
		t.Errorf("zero-volume bar accumulated: %s", v.Session().CumVolume)
	}
}

func TestVWAPReplayGuard(t *testing.T) {
	v := NewVWAP("tok", model.TF15m, t0)
	v.Update(vbar(t0, "1.00", "100"))

	if _, ok := v.Update(vbar(t0, "9.99", "999")); ok {
		t.Error("replayed bar re-accumulated")
	}
	if !v.Session().CumVolume.Equal(decimal.NewFromInt(100)) {
		t.Errorf("volume after replay: %s", v.Session().CumVolume)
	}
}

func TestVWAPRestoreContinuesSession(t *testing.T) {
	v := NewVWAP("tok", model.TF15m, t0)
	v.Update(vbar(t0, "1.00", "100"))

	raw, err := json.Marshal(v.Session())
	if err != nil {
		t.Fatal(err)
	}
	var sess model.VWAPSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		t.Fatal(err)
	}

	restored := RestoreVWAP(&sess)
	pt, ok := restored.Update(vbar(t0+900, "1.01", "100"))
	if !ok || !pt.Value.Equal(decimal.RequireFromString("1.005")) {
		t.Fatalf("restored session: got %s ok=%v, want 1.005", pt.Value, ok)
	}
}

func TestAVWAPAnchoredAndNeverResets(t *testing.T) {
	a := NewAVWAP("tok", model.TF15m, t0)

	// Pre-anchor bars are ignored.
	if _, ok := a.Update(vbar(t0-900, "9.00", "100")); ok {
		t.Error("pre-anchor bar accumulated")
	}

	a.Update(vbar(t0, "1.00", "100"))

	// Crossing the UTC day boundary does not reset the accumulator.
	pt, ok := a.Update(vbar(t0+86400, "1.01", "100"))
	if !ok {
		t.Fatal("no stamp past the day boundary")
	}
	if !pt.Value.Equal(decimal.RequireFromString("1.005")) {
		t.Errorf("avwap: got %s, want 1.005", pt.Value)
	}
	if got := a.State().CumVolume; !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("cumulative volume: got %s, want 200", got)
	}
}

func TestAVWAPZeroVolumeStart(t *testing.T) {
	a := NewAVWAP("tok", model.TF15m, t0)

	if _, ok := a.Update(vbar(t0, "1.00", "0")); ok {
		t.Error("stamped an avwap before any volume")
	}
	pt, ok := a.Update(vbar(t0+900, "1.02", "100"))
	if !ok || !pt.Value.Equal(decimal.RequireFromString("1.02")) {
		t.Fatalf("first volume bar: got %s ok=%v", pt.Value, ok)
	}
}
