package zorm

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	Relations
	ID   int64
	Name string
}

func (testUser) TableName() string { return "users" }

type testRole struct {
	ID   int64
	Name string
}

func (testRole) TableName() string { return "roles" }

type testPost struct {
	Relations
	ID    int64
	Title string
}

func (testPost) TableName() string { return "posts" }

type testArticle struct {
	Relations
	ID    string `zorm:"primary"`
	Title string
}

func (testArticle) TableName() string { return "articles" }

type testTag struct {
	ID    string `zorm:"primary"`
	Label string
}

func (testTag) TableName() string { return "tags" }

var (
	// pivot role_user, fk user_id, column role, path $.id
	userRoles = MustDefineJSON[testUser, testRole]("roles", JSONPivot{})

	userRolesWithPivot = MustDefineJSON[testUser, testRole]("roles2", JSONPivot{
		Table:       "role_user",
		Columns:     []string{"active"},
		WithPivot:   true,
		OrderColumn: "id",
	})

	postRecommendations = MustDefineJSON[testPost, testPost]("recommendations", JSONPivot{
		Table:      "post_recommendations",
		ForeignKey: "post_id",
		Column:     "recommendation",
		Path:       "$.post.id",
	})

	articleTags = MustDefineJSON[testArticle, testTag]("tags", JSONPivot{})
)

const testSchema = `
CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE roles (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE role_user (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN
);
CREATE TABLE posts (id INTEGER PRIMARY KEY, title TEXT NOT NULL);
CREATE TABLE post_recommendations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL,
	recommendation TEXT NOT NULL
);
CREATE TABLE articles (id TEXT PRIMARY KEY, title TEXT NOT NULL);
CREATE TABLE tags (id TEXT PRIMARY KEY, label TEXT NOT NULL);
CREATE TABLE article_tag (article_id TEXT NOT NULL, tag TEXT NOT NULL);
`

// User 1 holds roles {1,2} in two rows, user 2 none, user 3 holds {2,3} in a
// single array row. Post 1 recommends posts 2 and 3.
const testSeed = `
INSERT INTO users (id, name) VALUES (1, 'alice'), (2, 'bob'), (3, 'carol');
INSERT INTO roles (id, name) VALUES (1, 'admin'), (2, 'editor'), (3, 'viewer'), (4, 'guest');
INSERT INTO role_user (user_id, role, active) VALUES
	(1, '{"id":1}', 1),
	(1, '{"id":2}', 0),
	(3, '{"id":[2,3]}', 1);
INSERT INTO posts (id, title) VALUES (1, 'first'), (2, 'second'), (3, 'third');
INSERT INTO post_recommendations (post_id, recommendation) VALUES
	(1, '{"post":{"id":2}}'),
	(1, '{"post":{"id":3}}');
`

// setupJSONDB opens a seeded in-memory database, installs it as GlobalDB and
// skips the test when the engine cannot evaluate JSON containment.
func setupJSONDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ok, err := ProbeJSONContains(context.Background(), db)
	require.NoError(t, err)
	if !ok {
		t.Skip("sqlite build without JSON support")
	}

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	_, err = db.Exec(testSeed)
	require.NoError(t, err)

	oldDB := GlobalDB
	GlobalDB = db
	t.Cleanup(func() { GlobalDB = oldDB })

	return db
}

func pivotRowCount(t *testing.T, db *sql.DB, ownerID int64) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM role_user WHERE user_id = ?", ownerID).Scan(&n))
	return n
}

func int64s(vals ...int64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func newID() string {
	return uuid.NewString()
}
