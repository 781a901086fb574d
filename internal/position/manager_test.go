package position

import (
	"testing"
	"time"

	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
)

func newTestManager() *Manager {
	return NewManager(events.NewBus(), nil)
}

func openTestPosition(t *testing.T, m *Manager, cfg domain.ExitConfig) *domain.OpenPosition {
	t.Helper()
	pos, err := m.Open(OpenParams{
		TokenMint:       "MintAAA",
		EntryAmountBase: 1.0,
		EntryPrice:      1.0,
		Config:          cfg,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pos
}

func TestOpenRejectsEmptyMint(t *testing.T) {
	m := newTestManager()
	if _, err := m.Open(OpenParams{TokenMint: ""}); err == nil {
		t.Fatal("expected error opening position with empty mint")
	}
}

func TestHardStopLossFiresFirst(t *testing.T) {
	m := newTestManager()
	cfg := domain.DefaultExitConfig()
	pos := openTestPosition(t, m, cfg)

	// price dropped 35%, past the 30% hard stop.
	sig, err := m.UpdatePrice(pos.ID, 0.65, time.Now())
	if err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	if sig == nil || sig.Reason != domain.ReasonStopLoss {
		t.Fatalf("expected StopLoss signal, got %+v", sig)
	}
	if sig.Urgency != domain.UrgencyCritical {
		t.Fatalf("expected Critical urgency, got %v", sig.Urgency)
	}
}

func TestTakeProfitLaddersFireOnceEach(t *testing.T) {
	m := newTestManager()
	cfg := domain.DefaultExitConfig()
	pos := openTestPosition(t, m, cfg)

	sig, err := m.UpdatePrice(pos.ID, 1.25, time.Now()) // +25%, crosses first tier (20%)
	if err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	if sig == nil || sig.Reason != domain.ReasonTakeProfit || sig.ExitPercent != 25 {
		t.Fatalf("expected first take-profit tier signal, got %+v", sig)
	}

	// Same price again must not re-fire the same tier.
	sig2, err := m.UpdatePrice(pos.ID, 1.26, time.Now())
	if err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	if sig2 != nil {
		t.Fatalf("expected no re-fire of already-fired tier, got %+v", sig2)
	}
}

func TestTimeoutFiresAfterMaxLifetime(t *testing.T) {
	m := newTestManager()
	cfg := domain.DefaultExitConfig()
	cfg.MaxLifetime = time.Millisecond
	pos := openTestPosition(t, m, cfg)

	time.Sleep(2 * time.Millisecond)
	sig, err := m.UpdatePrice(pos.ID, 1.0, time.Now())
	if err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	if sig == nil || sig.Reason != domain.ReasonTimeOut {
		t.Fatalf("expected TimeOut signal, got %+v", sig)
	}
}

func TestRecordPartialExitAutoClosesOnDust(t *testing.T) {
	m := newTestManager()
	cfg := domain.DefaultExitConfig()
	pos := openTestPosition(t, m, cfg)

	if err := m.RecordPartialExit(pos.ID, "TakeProfit", 99.9999, 0.999999, 0); err != nil {
		t.Fatalf("RecordPartialExit: %v", err)
	}

	got, ok := m.GetPosition(pos.ID)
	if !ok {
		t.Fatal("position vanished")
	}
	if got.Status != domain.PositionClosed {
		t.Fatalf("expected dust-threshold auto-close, got status %v remaining %v", got.Status, got.RemainingAmountBase)
	}
}

func TestPriorityQueueDedupesAndDrains(t *testing.T) {
	m := newTestManager()
	pos := openTestPosition(t, m, domain.DefaultExitConfig())

	sig := domain.ExitSignal{PositionID: pos.ID, Reason: domain.ReasonManual, ExitPercent: 100, Urgency: domain.UrgencyCritical}
	m.QueuePriorityExit(sig)
	m.QueuePriorityExit(sig) // duplicate, should be ignored while queued

	drained := m.DrainPriorityExits()
	if len(drained) != 1 {
		t.Fatalf("expected exactly one deduped signal, got %d", len(drained))
	}
}

func TestGetOpenPositionForMintReflectsMostRecent(t *testing.T) {
	m := newTestManager()
	pos := openTestPosition(t, m, domain.DefaultExitConfig())

	got, ok := m.GetOpenPositionForMint("MintAAA")
	if !ok || got.ID != pos.ID {
		t.Fatalf("expected to find position %s for mint, got %+v", pos.ID, got)
	}

	if _, ok := m.GetOpenPositionForMint("unknown-mint"); ok {
		t.Fatal("expected no position for unknown mint")
	}
}
