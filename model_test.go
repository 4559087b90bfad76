package zorm

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// QUERY BUILDING
// =============================================================================

func TestWhere_Forms(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Model[testUser]) *Model[testUser]
		sql   string
		args  []any
	}{
		{
			"column equals",
			func(m *Model[testUser]) *Model[testUser] { return m.Where("name", "alice") },
			"SELECT * FROM users WHERE (name = ?)",
			[]any{"alice"},
		},
		{
			"column operator",
			func(m *Model[testUser]) *Model[testUser] { return m.Where("id >", 1).Where("name like", "a%") },
			"SELECT * FROM users WHERE (id > ?) AND (name LIKE ?)",
			[]any{1, "a%"},
		},
		{
			"raw fragment",
			func(m *Model[testUser]) *Model[testUser] { return m.Where("id = ? OR id = ?", 1, 2) },
			"SELECT * FROM users WHERE (id = ? OR id = ?)",
			[]any{1, 2},
		},
		{
			"nil is null",
			func(m *Model[testUser]) *Model[testUser] { return m.Where("name", nil) },
			"SELECT * FROM users WHERE (name IS NULL)",
			nil,
		},
		{
			"map sorted by column",
			func(m *Model[testUser]) *Model[testUser] {
				return m.Where(map[string]any{"name": "bob", "id": 2})
			},
			"SELECT * FROM users WHERE ((id = ?) AND (name = ?))",
			[]any{2, "bob"},
		},
		{
			"or and group",
			func(m *Model[testUser]) *Model[testUser] {
				return m.Where("id", 1).OrWhere(func(q *Model[testUser]) {
					q.Where("id", 2).Where("name", "bob")
				})
			},
			"SELECT * FROM users WHERE (id = ?) OR ((id = ?) AND (name = ?))",
			[]any{1, 2, "bob"},
		},
		{
			"where in",
			func(m *Model[testUser]) *Model[testUser] { return m.WhereIn("id", []any{1, 2, 3}) },
			"SELECT * FROM users WHERE (id IN (?, ?, ?))",
			[]any{1, 2, 3},
		},
		{
			"empty where in",
			func(m *Model[testUser]) *Model[testUser] { return m.WhereIn("id", nil) },
			"SELECT * FROM users WHERE (1=0)",
			nil,
		},
		{
			"select order limit offset",
			func(m *Model[testUser]) *Model[testUser] {
				return m.Select("id", "name").OrderBy("name", "desc").OrderBy("id", "sideways").Limit(10).Offset(5)
			},
			"SELECT id, name FROM users ORDER BY name DESC, id ASC LIMIT 10 OFFSET 5",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.build(New[testUser]())
			require.NoError(t, m.err)
			query, args := m.buildSelectQuery()
			assert.Equal(t, tt.sql, query)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestWhere_Errors(t *testing.T) {
	tests := map[string]*Model[testUser]{
		"bad column":      New[testUser]().Where("name; DROP", 1),
		"bad operator":    New[testUser]().Where("id ~", 1),
		"missing value":   New[testUser]().Where("id >"),
		"too many values": New[testUser]().Where("id", 1, 2),
		"bad type":        New[testUser]().Where(42),
		"bad map key":     New[testUser]().Where(map[string]any{"a b": 1}),
		"bad order":       New[testUser]().OrderBy("id;", "ASC"),
		"bad select":      New[testUser]().Select("*"),
		"bad json path":   New[testUser]().WhereJSONContains("doc", "a..b", 1),
	}
	for name, m := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, m.err, ErrInvalidConfig)
		})
	}

	_, err := New[testUser]().Where("id >").Get(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig, "executors surface builder errors")
}

func TestOffsetWithoutLimit_MySQL(t *testing.T) {
	tx := &Tx{dialect: Dialects.MySQL}
	query, _ := New[testUser]().WithTx(tx).Offset(5).buildSelectQuery()
	assert.Equal(t, "SELECT * FROM users LIMIT 18446744073709551615 OFFSET 5", query)
}

func TestClone_IsIndependent(t *testing.T) {
	base := New[testUser]().Where("id >", 0)
	a := base.Clone().Where("name", "alice")
	b := base.Clone().OrderBy("id", "DESC")

	qa, _ := a.buildSelectQuery()
	qb, _ := b.buildSelectQuery()
	qbase, _ := base.buildSelectQuery()
	assert.Equal(t, "SELECT * FROM users WHERE (id > ?) AND (name = ?)", qa)
	assert.Equal(t, "SELECT * FROM users WHERE (id > ?) ORDER BY id DESC", qb)
	assert.Equal(t, "SELECT * FROM users WHERE (id > ?)", qbase)
}

func TestFprint_RebindsForDialect(t *testing.T) {
	var buf bytes.Buffer
	tx := &Tx{dialect: Dialects.PostgreSQL}
	New[testUser]().WithTx(tx).Where("id", 7).Fprint(&buf)
	assert.Equal(t, "SELECT * FROM users WHERE (id = $1)\n[7]\n", buf.String())
}

func TestWhereJSONContains(t *testing.T) {
	tx := &Tx{dialect: Dialects.PostgreSQL}
	m := New[testUser]().WithTx(tx).WhereJSONContains("settings", "$.tags", "go")
	require.NoError(t, m.err)
	query, args := m.buildSelectQuery()
	assert.Equal(t, "SELECT * FROM users WHERE ((settings::jsonb #> '{tags}') @> ?::jsonb)", query)
	assert.Equal(t, []any{`"go"`}, args)
}

// =============================================================================
// EXECUTION
// =============================================================================

func TestModel_ReadHelpers(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()

	users, err := New[testUser]().Where("id >", 1).OrderBy("id", "DESC").Get(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "carol", users[0].Name)

	user, err := New[testUser]().Find(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Name)

	_, err = New[testUser]().Find(ctx, 99)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	names, err := New[testUser]().OrderBy("id", "ASC").Limit(2).Pluck(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob"}, names)

	count, err := New[testUser]().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	ok, err := New[testUser]().Where("name", "carol").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = New[testUser]().Where("name", "zed").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

type hookedRole struct {
	ID   int64
	Name string
}

func (hookedRole) TableName() string { return "roles" }

func (r *hookedRole) BeforeCreate(context.Context) error {
	if r.Name == "" {
		r.Name = "unnamed"
	}
	return nil
}

func TestModel_CreateAndDelete(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()

	user := &testUser{Name: "dave"}
	require.NoError(t, New[testUser]().Create(ctx, user))
	assert.Equal(t, int64(4), user.ID)

	role := &hookedRole{ID: 5}
	require.NoError(t, New[hookedRole]().Create(ctx, role))
	stored, err := New[testRole]().Find(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "unnamed", stored.Name)

	require.NoError(t, New[testUser]().Where("id", user.ID).Delete(ctx))
	_, err = New[testUser]().Find(ctx, user.ID)
	assert.True(t, IsNotFound(err))

	assert.ErrorIs(t, New[testUser]().Create(ctx, nil), ErrNilPointer)
}

func TestModel_NoDatabase(t *testing.T) {
	oldDB := GlobalDB
	GlobalDB = nil
	t.Cleanup(func() { GlobalDB = oldDB })

	_, err := New[testUser]().Get(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
