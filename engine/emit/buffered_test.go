package emit

import "testing"

func seedBuffered() *BufferedEmitter {
	b := NewBufferedEmitter()
	b.Emit(Event{InstanceID: "wi-1", Msg: "instance_started"})
	b.Emit(Event{InstanceID: "wi-1", NodeID: "approve", Msg: "node_completed"})
	b.Emit(Event{InstanceID: "wi-1", NodeID: "notify", Msg: "node_completed"})
	b.Emit(Event{InstanceID: "wi-2", NodeID: "approve", Msg: "branch_waiting"})
	return b
}

// TestBufferedEmitter covers history, filtering, and clearing.
func TestBufferedEmitter(t *testing.T) {
	t.Run("history preserves emission order per instance", func(t *testing.T) {
		b := seedBuffered()
		hist := b.History("wi-1")
		if len(hist) != 3 {
			t.Fatalf("history = %d, want 3", len(hist))
		}
		if hist[0].Msg != "instance_started" || hist[2].NodeID != "notify" {
			t.Errorf("history = %+v", hist)
		}
		if got := len(b.History("wi-2")); got != 1 {
			t.Errorf("wi-2 history = %d, want 1", got)
		}
		if got := len(b.History("ghost")); got != 0 {
			t.Errorf("unknown instance history = %d, want 0", got)
		}
	})

	t.Run("history returns a copy", func(t *testing.T) {
		b := seedBuffered()
		hist := b.History("wi-1")
		hist[0].Msg = "mutated"
		if b.History("wi-1")[0].Msg != "instance_started" {
			t.Error("stored events mutated through the returned slice")
		}
	})

	t.Run("filter by node and message", func(t *testing.T) {
		b := seedBuffered()
		byNode := b.HistoryWithFilter("wi-1", HistoryFilter{NodeID: "approve"})
		if len(byNode) != 1 || byNode[0].Msg != "node_completed" {
			t.Errorf("byNode = %+v", byNode)
		}
		byMsg := b.HistoryWithFilter("wi-1", HistoryFilter{Msg: "node_completed"})
		if len(byMsg) != 2 {
			t.Errorf("byMsg = %d, want 2", len(byMsg))
		}
		both := b.HistoryWithFilter("wi-1", HistoryFilter{NodeID: "notify", Msg: "node_completed"})
		if len(both) != 1 || both[0].NodeID != "notify" {
			t.Errorf("both = %+v", both)
		}
	})

	t.Run("clear one instance", func(t *testing.T) {
		b := seedBuffered()
		b.Clear("wi-1")
		if len(b.History("wi-1")) != 0 {
			t.Error("wi-1 not cleared")
		}
		if len(b.History("wi-2")) != 1 {
			t.Error("wi-2 must survive a scoped clear")
		}
	})

	t.Run("clear everything", func(t *testing.T) {
		b := seedBuffered()
		b.Clear("")
		if len(b.History("wi-1")) != 0 || len(b.History("wi-2")) != 0 {
			t.Error("expected all instances cleared")
		}
	})
}
