package common

import (
	"context"
	"testing"

	"github.com/sharedcode/omen"
	"github.com/sharedcode/omen/in_memory"
)

func TestManagerRegistry(t *testing.T) {
	m, _ := newTestManager(t, usersSchema(), eventsSchema())

	names := m.TableNames()
	if len(names) != 2 || names[0] != "users" || names[1] != "events" {
		t.Errorf("got %v, want registration order", names)
	}
	if _, err := m.GetTable("nope"); !omen.Is(err, omen.NotFound) {
		t.Errorf("got %v, want NotFound", err)
	}

	if _, err := New(in_memory.NewDatabase(), usersSchema(), usersSchema()); !omen.Is(err, omen.DuplicateKey) {
		t.Errorf("double registration: got %v, want DuplicateKey", err)
	}

	c1, err := m.Cache("users")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Cache("users")
	if err != nil || c1 != c2 {
		t.Error("Cache must return the same promoted instance")
	}
}

func TestDumpAllOrdersByPrimaryKey(t *testing.T) {
	m, _ := newTestManager(t, usersSchema())
	users := mustTable(t, m, "users")
	ctx := context.Background()

	for _, id := range []int{3, 1, 2} {
		if _, err := users.New(ctx, omen.FieldMap{"id": id, "name": "u", "balance": float64(id)}); err != nil {
			t.Fatal(err)
		}
	}
	dump, err := m.DumpAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rows := dump["users"]
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []float64{1, 2, 3} {
		if rows[i]["balance"] != want {
			t.Errorf("row %d out of key order: %v", i, rows[i])
		}
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, usersSchema(), eventsSchema())
	users := mustTable(t, m, "users")
	events := mustTable(t, m, "events")
	ctx := context.Background()

	if _, err := users.New(ctx, omen.FieldMap{"id": 1, "name": "ann", "balance": 10.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := users.New(ctx, omen.FieldMap{"id": 2, "name": "bob", "balance": 20.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := events.New(ctx, omen.FieldMap{"note": "first"}); err != nil {
		t.Fatal(err)
	}

	dump, err := m.DumpAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	m2, store2 := newTestManager(t, usersSchema(), eventsSchema())
	if err := m2.LoadAll(ctx, dump); err != nil {
		t.Fatal(err)
	}
	if store2.begins != 1 || store2.commits != 1 {
		t.Errorf("got begins=%d commits=%d, want one transaction for the whole load", store2.begins, store2.commits)
	}

	dump2, err := m2.DumpAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dump2["users"]) != 2 || len(dump2["events"]) != 1 {
		t.Fatalf("got %d users, %d events", len(dump2["users"]), len(dump2["events"]))
	}
	if dump2["users"][0]["name"] != "ann" || dump2["events"][0]["note"] != "first" {
		t.Errorf("field values lost in round trip: %v", dump2)
	}
	// The dumped key survives the load; no fresh key generation happens.
	if omen.Int64Of(dump2["events"][0]["id"]) != omen.Int64Of(dump["events"][0]["id"]) {
		t.Errorf("auto key changed: %v vs %v", dump["events"][0]["id"], dump2["events"][0]["id"])
	}
}

func TestLoadAllUnknownTableRollsBackEverything(t *testing.T) {
	m, store := newTestManager(t, usersSchema())
	ctx := context.Background()

	err := m.LoadAll(ctx, map[string][]omen.FieldMap{
		"users":  {{"id": 1, "name": "ann"}},
		"zzz":    {{"id": 1}},
	})
	if !omen.Is(err, omen.NotFound) {
		t.Fatalf("got %v, want NotFound", err)
	}
	if store.commits != 0 {
		t.Errorf("got %d commits, want 0", store.commits)
	}
	users := mustTable(t, m, "users")
	if n, _ := users.Count(ctx, omen.All()); n != 0 {
		t.Errorf("got %d rows after failed load, want 0", n)
	}
}
