package engine

import "testing"

func TestRoutingTableAddNoDuplicates(t *testing.T) {
	table := newRoutingTable()
	a := newMockConn(t)

	if n := table.add("ch", a); n != 1 {
		t.Fatalf("first add count = %d, want 1", n)
	}
	if n := table.add("ch", a); n != 1 {
		t.Fatalf("second add count = %d, want 1", n)
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	if len(table.forward["ch"]) != 1 {
		t.Fatalf("%d subscribers, want 1", len(table.forward["ch"]))
	}
	if len(table.inverse[a.FD()]) != 1 {
		t.Fatalf("%d inverse entries, want 1", len(table.inverse[a.FD()]))
	}
}

func TestRoutingTableInsertionOrder(t *testing.T) {
	table := newRoutingTable()
	a := newMockConn(t)
	b := newMockConn(t)
	c := newMockConn(t)

	table.add("ch", a)
	table.add("ch", b)
	table.add("ch", c)

	table.mu.Lock()
	subs := append([]Conn(nil), table.forward["ch"]...)
	table.mu.Unlock()
	want := []Conn{a, b, c}
	for i := range want {
		if subs[i] != want[i] {
			t.Fatalf("subscriber %d out of insertion order", i)
		}
	}

	// Removal of the middle element keeps the rest ordered.
	table.remove("ch", b)
	table.mu.Lock()
	subs = append([]Conn(nil), table.forward["ch"]...)
	table.mu.Unlock()
	if len(subs) != 2 || subs[0] != Conn(a) || subs[1] != Conn(c) {
		t.Fatalf("order after removal wrong: %v", subs)
	}
}

func TestRoutingTableRemoveUnknown(t *testing.T) {
	table := newRoutingTable()
	a := newMockConn(t)

	if n := table.remove("ch", a); n != 0 {
		t.Fatalf("remove on empty table = %d, want 0", n)
	}
	table.add("x", a)
	if n := table.remove("ch", a); n != 1 {
		t.Fatalf("remove of unsubscribed channel = %d, want 1", n)
	}
}

func TestRoutingTableRemoveAllOrderAndCounts(t *testing.T) {
	table := newRoutingTable()
	a := newMockConn(t)
	table.add("a", a)
	table.add("b", a)
	table.add("c", a)

	receipts := table.removeAll(a)
	want := []Receipt{{"a", 2}, {"b", 1}, {"c", 0}}
	if len(receipts) != len(want) {
		t.Fatalf("%d receipts, want %d", len(receipts), len(want))
	}
	for i := range want {
		if receipts[i] != want[i] {
			t.Fatalf("receipt %d = %v, want %v", i, receipts[i], want[i])
		}
	}
	if table.subscriptionCount(a.FD()) != 0 {
		t.Fatal("inverse index not emptied")
	}
}

func TestRoutingTableLazyEmptyEntries(t *testing.T) {
	table := newRoutingTable()
	a := newMockConn(t)
	table.add("ch", a)
	table.remove("ch", a)

	// The empty key may remain; readers must see no subscribers.
	table.mu.Lock()
	defer table.mu.Unlock()
	if len(table.forward["ch"]) != 0 {
		t.Fatalf("%d subscribers after removal, want 0", len(table.forward["ch"]))
	}
}

func TestRoutingTablePurgeConn(t *testing.T) {
	table := newRoutingTable()
	a := newMockConn(t)
	b := newMockConn(t)
	table.add("x", a)
	table.add("x", b)
	table.add("y", a)

	table.purgeConn(a)

	table.mu.Lock()
	defer table.mu.Unlock()
	for key, subs := range table.forward {
		for _, c := range subs {
			if c == Conn(a) {
				t.Fatalf("purged conn still present in %q", key)
			}
		}
	}
	if _, ok := table.inverse[a.FD()]; ok {
		t.Fatal("purged conn still in inverse index")
	}
	if len(table.forward["x"]) != 1 {
		t.Fatal("other subscriber swept along with purge")
	}
}

func TestPendingQueueFIFO(t *testing.T) {
	q := newPendingQueue()
	q.push(1, []byte("a"), []byte("1"))
	q.push(2, []byte("b"), []byte("2"))
	q.push(3, []byte("c"), []byte("3"))

	for _, wantFD := range []int{1, 2, 3} {
		fd, _, ok := q.popOne()
		if !ok || fd != wantFD {
			t.Fatalf("popOne = (%d, %v), want fd %d", fd, ok, wantFD)
		}
	}
	if _, _, ok := q.popOne(); ok {
		t.Fatal("popOne on empty queue returned ok")
	}
}

func TestPendingQueueOverwriteKeepsSlot(t *testing.T) {
	q := newPendingQueue()
	if already := q.push(1, []byte("a"), []byte("old")); already {
		t.Fatal("first push reported already pending")
	}
	if already := q.push(1, []byte("a"), []byte("new")); !already {
		t.Fatal("second push did not report already pending")
	}
	fd, msg, ok := q.popOne()
	if !ok || fd != 1 || string(msg.payload) != "new" {
		t.Fatalf("popOne = (%d, %q, %v)", fd, msg.payload, ok)
	}
	if _, _, ok := q.popOne(); ok {
		t.Fatal("overwritten entry popped twice")
	}
}
