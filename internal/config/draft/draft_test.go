package draft

import (
	"errors"
	"sync"
	"testing"
)

type clashCfg struct {
	MixedPort int
	Rules     []string
}

func cloneClash(c clashCfg) clashCfg {
	c.Rules = append([]string(nil), c.Rules...)
	return c
}

func TestDiscardLeavesLatestUnchanged(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890, Rules: []string{"MATCH,DIRECT"}}, cloneClash)

	d.Edit(func(c *clashCfg) { c.MixedPort = 7891 })
	d.Edit(func(c *clashCfg) { c.Rules[0] = "MATCH,REJECT" })

	if !d.Discard() {
		t.Fatal("Discard reported no open draft")
	}

	got := d.Latest()
	if got.MixedPort != 7890 {
		t.Errorf("MixedPort = %d; want 7890", got.MixedPort)
	}
	if got.Rules[0] != "MATCH,DIRECT" {
		t.Errorf("Rules[0] = %q; draft edit leaked into committed value", got.Rules[0])
	}
}

func TestApplyCommitsLastPendingValue(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890}, cloneClash)

	for _, port := range []int{7891, 7892, 7893} {
		p := port
		d.Edit(func(c *clashCfg) { c.MixedPort = p })
	}
	if !d.Apply() {
		t.Fatal("Apply reported no open draft")
	}
	if got := d.Latest().MixedPort; got != 7893 {
		t.Errorf("MixedPort = %d; want 7893", got)
	}
	if _, open := d.Pending(); open {
		t.Error("draft still open after Apply")
	}
}

func TestSecondDraftReusesPendingCopy(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890}, cloneClash)

	d.Edit(func(c *clashCfg) { c.MixedPort = 7891 })
	snapshot := d.Draft()
	if snapshot.MixedPort != 7891 {
		t.Errorf("second draft MixedPort = %d; want 7891 (reset to latest)", snapshot.MixedPort)
	}

	d.Edit(func(c *clashCfg) { c.Rules = append(c.Rules, "MATCH,DIRECT") })
	pending, _ := d.Pending()
	if pending.MixedPort != 7891 || len(pending.Rules) != 1 {
		t.Errorf("pending = %+v; want both edits", pending)
	}
}

func TestApplyAndDiscardWithoutDraftAreNoops(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890}, cloneClash)

	if d.Apply() {
		t.Error("Apply without draft reported true")
	}
	if d.Discard() {
		t.Error("Discard without draft reported true")
	}
	if got := d.Latest().MixedPort; got != 7890 {
		t.Errorf("MixedPort = %d; want 7890", got)
	}
}

func TestWorkingPrefersPending(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890}, cloneClash)
	if got := d.Working().MixedPort; got != 7890 {
		t.Errorf("Working without draft = %d; want 7890", got)
	}

	d.Edit(func(c *clashCfg) { c.MixedPort = 7891 })
	if got := d.Working().MixedPort; got != 7891 {
		t.Errorf("Working with draft = %d; want 7891", got)
	}
	if got := d.Latest().MixedPort; got != 7890 {
		t.Errorf("Latest with draft = %d; want 7890", got)
	}
}

func TestSaveErrorDoesNotMutate(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890}, cloneClash)
	boom := errors.New("disk full")

	var seen int
	err := d.Save(func(c clashCfg) error {
		seen = c.MixedPort
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Save err = %v; want %v", err, boom)
	}
	if seen != 7890 {
		t.Errorf("persist saw %d; want committed 7890", seen)
	}
	if got := d.Latest().MixedPort; got != 7890 {
		t.Errorf("MixedPort = %d; want 7890", got)
	}
}

func TestConcurrentLatestDuringEdits(t *testing.T) {
	d := New(clashCfg{MixedPort: 7890}, cloneClash)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			d.Edit(func(c *clashCfg) { c.MixedPort = 8000 + n })
		}(i)
		go func() {
			defer wg.Done()
			_ = d.Latest()
		}()
	}
	wg.Wait()

	d.Discard()
	if got := d.Latest().MixedPort; got != 7890 {
		t.Errorf("MixedPort = %d; want 7890", got)
	}
}
