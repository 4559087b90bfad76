// Package main walks through JSON-keyed many-to-many relations on SQLite.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	zorm "github.com/rezakhademix/zorm-json"
)

type User struct {
	zorm.Relations
	ID   int64
	Name string
}

type Role struct {
	ID   int64
	Name string
}

type Project struct {
	zorm.Relations
	ID    int64
	Title string
}

var (
	// role_user.role holds {"role":{"id":<role id>}}
	userRoles = zorm.MustDefineJSON[User, Role]("roles", zorm.JSONPivot{
		Path:      "role.id",
		Columns:   []string{"active"},
		WithPivot: true,
	})

	// self relation: project_dependencies.depends_on holds {"id":<project id>}
	dependencies = zorm.MustDefineJSON[Project, Project]("dependencies", zorm.JSONPivot{
		Table:      "project_dependencies",
		ForeignKey: "project_id",
		Column:     "depends_on",
	})
)

const schema = `
CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS roles (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS role_user (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN
);
CREATE TABLE IF NOT EXISTS projects (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS project_dependencies (
	project_id INTEGER NOT NULL,
	depends_on TEXT NOT NULL
);
`

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to a temporary SQLite database)")
	verbose := flag.Bool("v", false, "log every statement")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zorm.SetLogger(log.Logger.Level(level))

	cfg := zorm.Config{Driver: "sqlite3", DSN: filepath.Join(os.TempDir(), "zorm-json-demo.db")}
	if *configPath == "" {
		// start from an empty database on every run
		_ = os.Remove(cfg.DSN)
	} else {
		var err error
		if cfg, err = zorm.LoadConfig(*configPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
	}

	ctx := context.Background()
	conn, err := zorm.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	if conn.Dialect == zorm.Dialects.SQLite3 {
		if _, err := conn.Primary.ExecContext(ctx, schema); err != nil {
			log.Fatal().Err(err).Msg("Failed to create schema")
		}
	}
	if err := conn.VerifyRelations(ctx); err != nil {
		log.Fatal().Err(err).Msg("Schema does not match relations")
	}
	zorm.PrintRelations(os.Stdout)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

func run(ctx context.Context) error {
	alice := &User{Name: "alice"}
	if err := zorm.New[User]().Create(ctx, alice); err != nil {
		return err
	}
	var roles []*Role
	for _, name := range []string{"admin", "editor", "viewer"} {
		r := &Role{Name: name}
		if err := zorm.New[Role]().Create(ctx, r); err != nil {
			return err
		}
		roles = append(roles, r)
	}

	pivots := userRoles.Of(alice).Pivots
	if _, err := pivots.Attach(ctx, zorm.IDs(roles[0].ID).Add(roles[1].ID, zorm.Attributes{"active": true})); err != nil {
		return err
	}
	logRoles(ctx, alice, "after attach")

	changes, err := pivots.Sync(ctx, zorm.WithAttributes(map[int64]zorm.Attributes{
		roles[1].ID: {"active": false},
		roles[2].ID: {"active": true},
	}))
	if err != nil {
		return err
	}
	log.Info().
		Interface("attached", changes.Attached).
		Interface("detached", changes.Detached).
		Interface("updated", changes.Updated).
		Msg("Synced roles")
	logRoles(ctx, alice, "after sync")

	if _, err := pivots.Toggle(ctx, zorm.IDs(roles[0].ID, roles[2].ID)); err != nil {
		return err
	}
	logRoles(ctx, alice, "after toggle")

	// self relation with existence queries
	var projects []*Project
	for _, title := range []string{"core", "api", "web"} {
		p := &Project{Title: title}
		if err := zorm.New[Project]().Create(ctx, p); err != nil {
			return err
		}
		projects = append(projects, p)
	}
	if _, err := dependencies.Of(projects[2]).Pivots.Attach(ctx, zorm.IDs(projects[0].ID, projects[1].ID)); err != nil {
		return err
	}
	if _, err := dependencies.Of(projects[1]).Pivots.Attach(ctx, zorm.IDs(projects[0].ID)); err != nil {
		return err
	}

	withDeps, err := zorm.New[Project]().Has("dependencies").With("dependencies").OrderBy("id", "ASC").Get(ctx)
	if err != nil {
		return err
	}
	for _, p := range withDeps {
		deps, _ := dependencies.Cached(p)
		titles := make([]string, 0, deps.Len())
		for _, d := range deps.Models() {
			titles = append(titles, d.Title)
		}
		log.Info().Str("project", p.Title).Strs("depends_on", titles).Msg("Dependencies")
	}

	leaves, err := zorm.New[Project]().DoesntHave("dependencies").Pluck(ctx, "title")
	if err != nil {
		return err
	}
	log.Info().Interface("projects", leaves).Msg("Projects without dependencies")
	return nil
}

func logRoles(ctx context.Context, u *User, stage string) {
	roles, err := userRoles.Reload(ctx, u)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load roles")
		return
	}
	for _, r := range roles {
		log.Info().
			Str("stage", stage).
			Str("role", r.Model.Name).
			Bool("active", r.Pivot.Bool("active")).
			Msg("Role")
	}
}
