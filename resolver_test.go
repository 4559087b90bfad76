package zorm

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinLoadBalancer(t *testing.T) {
	lb := &RoundRobinLoadBalancer{}
	replicas := []*sql.DB{{}, {}, {}}

	selected := make(map[*sql.DB]int)
	for i := 0; i < 9; i++ {
		selected[lb.Next(replicas)]++
	}
	for _, db := range replicas {
		assert.Equal(t, 3, selected[db])
	}

	assert.Same(t, replicas[0], lb.Next(replicas[:1]))
	assert.Nil(t, lb.Next(nil))
}

func TestRandomLoadBalancer(t *testing.T) {
	replicas := []*sql.DB{{}, {}}
	for i := 0; i < 20; i++ {
		db := RandomLB.Next(replicas)
		assert.True(t, db == replicas[0] || db == replicas[1])
	}
	assert.Nil(t, RandomLB.Next(nil))
}

func TestDBResolver(t *testing.T) {
	primary := &sql.DB{}
	replica1 := &sql.DB{}
	replica2 := &sql.DB{}

	r := &DBResolver{primary: primary, replicas: []*sql.DB{replica1, replica2}, lb: &RoundRobinLoadBalancer{}}
	assert.Same(t, primary, r.Primary())
	assert.True(t, r.HasReplicas())
	assert.Same(t, replica1, r.Replica())
	assert.Same(t, replica2, r.Replica())

	assert.Same(t, replica2, r.ReplicaAt(1))
	assert.Nil(t, r.ReplicaAt(2))
	assert.Nil(t, r.ReplicaAt(-1))

	noReplicas := &DBResolver{primary: primary, lb: &RoundRobinLoadBalancer{}}
	assert.False(t, noReplicas.HasReplicas())
	assert.Same(t, primary, noReplicas.Replica(), "falls back to primary")
}

func TestConfigureDBResolver(t *testing.T) {
	t.Cleanup(ClearDBResolver)

	primary := &sql.DB{}
	replica := &sql.DB{}
	ConfigureDBResolver(WithPrimary(primary), WithReplicas(replica), WithLoadBalancer(nil))

	r := GetGlobalResolver()
	require.NotNil(t, r)
	assert.Same(t, primary, r.Primary())
	assert.Same(t, replica, r.Replica())

	ClearDBResolver()
	assert.Nil(t, GetGlobalResolver())
}

// openMemoryDB opens a private in-memory database holding the given table of
// roles, so tests can tell which pool served a query.
func openMemoryDB(t *testing.T, roleName string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE roles (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO roles (id, name) VALUES (1, ?)`, roleName)
	require.NoError(t, err)
	return db
}

func TestSession_Routing(t *testing.T) {
	primary := openMemoryDB(t, "primary")
	replica0 := openMemoryDB(t, "replica0")
	replica1 := openMemoryDB(t, "replica1")

	ConfigureDBResolver(WithPrimary(primary), WithReplicas(replica0, replica1))
	t.Cleanup(ClearDBResolver)
	ctx := context.Background()

	name := func(m *Model[testRole]) string {
		t.Helper()
		role, err := m.Find(ctx, 1)
		require.NoError(t, err)
		return role.Name
	}

	assert.Equal(t, "primary", name(New[testRole]().UsePrimary()))
	assert.Equal(t, "replica1", name(New[testRole]().UseReplica(1)))
	assert.Contains(t, []string{"replica0", "replica1"}, name(New[testRole]()))
	assert.Equal(t, "replica0", name(New[testRole]().SetDB(replica0).UsePrimary()), "explicit db wins")

	// writes always go to the primary
	require.NoError(t, New[testRole]().Create(ctx, &testRole{ID: 2, Name: "written"}))
	n, err := New[testRole]().UsePrimary().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = New[testRole]().UseReplica(0).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
