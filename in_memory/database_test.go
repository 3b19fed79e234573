package in_memory

import (
	"context"
	"testing"

	"github.com/sharedcode/omen"
)

func usersSchema() *omen.Schema {
	return omen.MustSchema("users",
		omen.Field{Name: "id", Type: omen.IntField, PrimaryKey: true},
		omen.Field{Name: "name", Type: omen.StringField},
		omen.Field{Name: "balance", Type: omen.FloatField},
	)
}

func eventsSchema() *omen.Schema {
	return omen.MustSchema("events",
		omen.Field{Name: "id", Type: omen.IntField, PrimaryKey: true, AutoGenerate: true},
		omen.Field{Name: "note", Type: omen.StringField},
	)
}

func collect(t *testing.T, cur omen.Cursor) []omen.FieldMap {
	t.Helper()
	defer cur.Close()
	var out []omen.FieldMap
	for cur.Next() {
		out = append(out, cur.Fields())
	}
	if err := cur.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestInsertSelectRoundTrip(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()

	if _, err := db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "ann", "balance": 10.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Insert(ctx, "users", omen.FieldMap{"id": 2, "name": "bob", "balance": 20.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "dup"}); !omen.Is(err, omen.DuplicateKey) {
		t.Errorf("got %v, want DuplicateKey", err)
	}

	cur, err := db.Select(ctx, "users", omen.Eq("name", "ann"), nil)
	if err != nil {
		t.Fatal(err)
	}
	rows := collect(t, cur)
	if len(rows) != 1 || rows[0]["balance"] != 10.0 {
		t.Errorf("got %v, want the ann row", rows)
	}

	n, err := db.Count(ctx, "users", omen.All())
	if err != nil || n != 2 {
		t.Errorf("got count (%d, %v), want 2", n, err)
	}

	if _, err := db.Select(ctx, "ghosts", omen.All(), nil); !omen.Is(err, omen.NotFound) {
		t.Errorf("unknown table: got %v, want NotFound", err)
	}
}

func TestSelectReturnsCopies(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()
	db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "ann", "balance": 10.0})

	cur, _ := db.Select(ctx, "users", omen.All(), nil)
	rows := collect(t, cur)
	rows[0]["name"] = "mutated"

	cur, _ = db.Select(ctx, "users", omen.All(), nil)
	if got := collect(t, cur)[0]["name"]; got != "ann" {
		t.Errorf("stored row mutated through a cursor result: %v", got)
	}
}

func TestSelectOrdersResults(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()
	for i, bal := range []float64{20, 10, 30} {
		db.Insert(ctx, "users", omen.FieldMap{"id": i + 1, "name": "u", "balance": bal})
	}
	cur, err := db.Select(ctx, "users", omen.All(), []omen.Order{omen.Desc("balance")})
	if err != nil {
		t.Fatal(err)
	}
	rows := collect(t, cur)
	want := []float64{30, 20, 10}
	for i := range want {
		if rows[i]["balance"] != want[i] {
			t.Fatalf("got order %v", rows)
		}
	}
	if _, err := db.Select(ctx, "users", omen.All(), []omen.Order{omen.Asc("nope")}); !omen.Is(err, omen.UnknownField) {
		t.Errorf("got %v, want UnknownField", err)
	}
}

func TestSelectWithExpression(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()
	for i, bal := range []float64{5, 15, 25} {
		db.Insert(ctx, "users", omen.FieldMap{"id": i + 1, "name": "u", "balance": bal})
	}
	cur, err := db.Select(ctx, "users", omen.All().WithExpr(`row.balance > 10.0`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows := collect(t, cur); len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
	if _, err := db.Select(ctx, "users", omen.All().WithExpr(`row.balance >`), nil); !omen.Is(err, omen.StorageFailure) {
		t.Errorf("bad expression: got %v, want StorageFailure", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()
	db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "ann", "balance": 10.0})

	key := omen.FieldMap{"id": 1}
	if err := db.Update(ctx, "users", key, omen.FieldMap{"balance": 11.0}); err != nil {
		t.Fatal(err)
	}
	cur, _ := db.Select(ctx, "users", omen.All(), nil)
	if got := collect(t, cur)[0]["balance"]; got != 11.0 {
		t.Errorf("got balance %v, want 11.0", got)
	}

	if err := db.Update(ctx, "users", omen.FieldMap{"id": 9}, omen.FieldMap{"balance": 1.0}); !omen.Is(err, omen.NotFound) {
		t.Errorf("got %v, want NotFound", err)
	}
	if err := db.Delete(ctx, "users", key); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(ctx, "users", key); !omen.Is(err, omen.NotFound) {
		t.Errorf("got %v, want NotFound", err)
	}
}

func TestUpdateReKeysWhenPrimaryKeyChanges(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()
	db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "ann"})
	db.Insert(ctx, "users", omen.FieldMap{"id": 2, "name": "bob"})

	if err := db.Update(ctx, "users", omen.FieldMap{"id": 1}, omen.FieldMap{"id": 2}); !omen.Is(err, omen.DuplicateKey) {
		t.Errorf("key collision: got %v, want DuplicateKey", err)
	}
	if err := db.Update(ctx, "users", omen.FieldMap{"id": 1}, omen.FieldMap{"id": 3}); err != nil {
		t.Fatal(err)
	}
	cur, _ := db.Select(ctx, "users", omen.Eq("id", 3), nil)
	if rows := collect(t, cur); len(rows) != 1 || rows[0]["name"] != "ann" {
		t.Errorf("re-keyed row lost: %v", rows)
	}
}

func TestAutoGeneratedKeys(t *testing.T) {
	db := NewDatabase(eventsSchema())
	ctx := context.Background()

	gen1, err := db.Insert(ctx, "events", omen.FieldMap{"note": "a"})
	if err != nil {
		t.Fatal(err)
	}
	gen2, err := db.Insert(ctx, "events", omen.FieldMap{"note": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if gen1 != int64(1) || gen2 != int64(2) {
		t.Errorf("got generated keys %v, %v; want a sequence", gen1, gen2)
	}
	// A caller-provided key suppresses generation.
	gen3, err := db.Insert(ctx, "events", omen.FieldMap{"id": 10, "note": "c"})
	if err != nil || gen3 != nil {
		t.Errorf("got (%v, %v), want no generation", gen3, err)
	}
}

func TestAutoGeneratedUUIDKeys(t *testing.T) {
	schema := omen.MustSchema("sessions",
		omen.Field{Name: "id", Type: omen.UUIDField, PrimaryKey: true, AutoGenerate: true},
		omen.Field{Name: "user", Type: omen.StringField},
	)
	db := NewDatabase(schema)
	ctx := context.Background()

	gen, err := db.Insert(ctx, "sessions", omen.FieldMap{"user": "ann"})
	if err != nil {
		t.Fatal(err)
	}
	id, ok := gen.(omen.UUID)
	if !ok {
		t.Fatalf("got generated key %T, want omen.UUID", gen)
	}
	// A lookup with the UUID value itself must hit the generated row.
	cur, err := db.Select(ctx, "sessions", omen.Eq("id", id), nil)
	if err != nil {
		t.Fatal(err)
	}
	rows := collect(t, cur)
	if len(rows) != 1 || rows[0]["user"] != "ann" {
		t.Errorf("got %v, want the generated-key row", rows)
	}
	if err := db.Delete(ctx, "sessions", omen.FieldMap{"id": id}); err != nil {
		t.Errorf("delete by generated UUID key: %v", err)
	}
}

func TestTransactionRollbackRestoresSnapshot(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()
	db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "ann", "balance": 10.0})

	if err := db.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.Begin(ctx); !omen.Is(err, omen.StorageFailure) {
		t.Errorf("nested begin: got %v, want StorageFailure", err)
	}
	db.Insert(ctx, "users", omen.FieldMap{"id": 2, "name": "bob"})
	db.Update(ctx, "users", omen.FieldMap{"id": 1}, omen.FieldMap{"balance": 99.0})
	if err := db.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	n, _ := db.Count(ctx, "users", omen.All())
	if n != 1 {
		t.Errorf("got %d rows after rollback, want 1", n)
	}
	cur, _ := db.Select(ctx, "users", omen.Eq("id", 1), nil)
	if got := collect(t, cur)[0]["balance"]; got != 10.0 {
		t.Errorf("got balance %v after rollback, want 10.0", got)
	}

	if err := db.Commit(ctx); !omen.Is(err, omen.StorageFailure) {
		t.Errorf("commit without begin: got %v, want StorageFailure", err)
	}
}

func TestTransactionCommitKeepsWrites(t *testing.T) {
	db := NewDatabase(usersSchema())
	ctx := context.Background()

	if err := db.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	db.Insert(ctx, "users", omen.FieldMap{"id": 1, "name": "ann"})
	if err := db.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ := db.Count(ctx, "users", omen.All())
	if n != 1 {
		t.Errorf("got %d rows after commit, want 1", n)
	}
}
