package zorm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineJSON_Defaults(t *testing.T) {
	p := userRoles.Pivot()
	assert.Equal(t, "role_user", p.Table)
	assert.Equal(t, "user_id", p.ForeignKey)
	assert.Equal(t, "id", p.LocalKey)
	assert.Equal(t, "role", p.Column)
	assert.Equal(t, "id", p.Path)

	info := userRoles.Info()
	assert.Equal(t, "testUser", info.Owner)
	assert.Equal(t, "testRole", info.Related)
	assert.Equal(t, "$.id", info.Path)
	assert.False(t, info.SelfJoin)

	assert.True(t, postRecommendations.Info().SelfJoin)
	assert.Equal(t, "$.post.id", postRecommendations.Info().Path)
}

type relDoc struct {
	ID  int64
	Ref string
}

func TestDefineJSON_Invalid(t *testing.T) {
	tests := map[string]JSONPivot{
		"bad table":        {Table: "role user"},
		"bad column":       {Column: "doc;"},
		"bad extra column": {Columns: []string{"ok", "no way"}},
		"bad order column": {OrderColumn: "id DESC"},
		"unknown local":    {LocalKey: "missing"},
		"bad path":         {Path: "a..b"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DefineJSON[relDoc, testRole]("invalid", cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDefineJSON_WholeDocumentPath(t *testing.T) {
	// configured but not registered, so it stays out of VerifyRelations
	rel := &JSONRelation[relDoc, testTag]{name: "whole", owner: ParseModel[relDoc](), related: ParseModel[testTag]()}
	require.NoError(t, rel.configure(JSONPivot{Table: "doc_tags", Path: "$"}))
	assert.Equal(t, "$", rel.Info().Path)

	doc, err := jsonDocument(rel.path, "t1")
	require.NoError(t, err)
	assert.Equal(t, `"t1"`, doc)
}

func TestDefineJSON_DuplicateName(t *testing.T) {
	_, err := DefineJSON[testUser, testRole]("roles", JSONPivot{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Panics(t, func() { MustDefineJSON[testUser, testRole]("roles", JSONPivot{}) })
}

func TestLookup(t *testing.T) {
	rel, err := Lookup[testUser, testRole]("roles")
	require.NoError(t, err)
	assert.Same(t, userRoles, rel)

	_, err = Lookup[testUser, testPost]("roles")
	assert.ErrorIs(t, err, ErrRelationNotFound)

	_, err = Lookup[testUser, testRole]("friends")
	assert.ErrorIs(t, err, ErrRelationNotFound)
}

func TestRegisteredRelations_Sorted(t *testing.T) {
	infos := RegisteredRelations()
	require.NotEmpty(t, infos)
	for i := 1; i < len(infos); i++ {
		prev, cur := infos[i-1], infos[i]
		assert.True(t, prev.Owner < cur.Owner || (prev.Owner == cur.Owner && prev.Name < cur.Name))
	}
}

func TestPivot_ReturnsCopy(t *testing.T) {
	p := userRolesWithPivot.Pivot()
	p.Columns[0] = "mutated"
	assert.Equal(t, []string{"active"}, userRolesWithPivot.Pivot().Columns)
}

func TestRelationAccess(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()

	access := userRoles.Of(&testUser{ID: 1})
	roles, err := access.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64s(1, 2), roles.Keys())

	current, err := access.Pivots.Current(ctx)
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "role_user", current[0].Table)
	assert.Equal(t, int64(1), current[0].RelatedKey)
}

func TestLoad_LazyEager(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()

	post := &testPost{ID: 1}
	require.NoError(t, New[testPost]().Load(ctx, post, "recommendations"))

	recs, ok := postRecommendations.Cached(post)
	require.True(t, ok)
	assert.Equal(t, "second", recs.Models()[0].Title)

	assert.ErrorIs(t, New[testPost]().Load(ctx, nil, "recommendations"), ErrNilPointer)

	_, ok = postRecommendations.Cached(nil)
	assert.False(t, ok)
}

func TestJSONRelation_LoadMany(t *testing.T) {
	setupJSONDB(t)
	ctx := context.Background()

	users := []*testUser{{ID: 1}, {ID: 2}, {ID: 3}}
	require.NoError(t, userRolesWithPivot.Load(ctx, users...))

	for _, u := range users {
		assert.True(t, u.RelationLoaded("roles2"))
		assert.False(t, u.RelationLoaded("roles"))
	}
	roles, _ := userRolesWithPivot.Cached(users[0])
	assert.Equal(t, []any{true, false}, []any{roles[0].Pivot.Bool("active"), roles[1].Pivot.Bool("active")})
}

func TestLoad_ErrorNamesRelationOnce(t *testing.T) {
	db := setupJSONDB(t)
	_, err := db.Exec(`DROP TABLE role_user`)
	require.NoError(t, err)

	err = New[testUser]().Load(context.Background(), &testUser{ID: 1}, "roles")
	require.Error(t, err)

	var relErr *RelationError
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, "roles", relErr.Relation)
	assert.Equal(t, 1, strings.Count(err.Error(), "relation 'roles'"))
}
