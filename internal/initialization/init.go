// The initialization package sets up required dependencies: the SQLite
// databases, migrations, the task queue store, and the instance's own actor.
package initialization

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/sqlite3"
	_ "github.com/golang-migrate/migrate/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikestefanello/backlite"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/keys"
)

func OpenDB(connString string) (*sql.DB, error) {
	d, err := sql.Open("sqlite3", connString)
	if err != nil {
		log.Error().Err(err).Str("connection_string", connString).Msg("failed to open database")
	}
	return d, err
}

// SetupDB applies all pending migrations. Already being up to date is not an
// error.
func SetupDB(d *sql.DB, folder, dbname string) error {
	log.Info().Msg("starting migrations")
	driver, err := sqlite3.WithInstance(d, &sqlite3.Config{})
	if err != nil {
		log.Error().Err(err).Msg("failed to create sqlite3 migration driver")
		return err
	}

	mig, err := migrate.NewWithDatabaseInstance(
		"file://"+folder,
		dbname,
		driver,
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to create Migrate object")
		return err
	}

	err = mig.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Error().Err(err).Msg("failed to run migrations")
		return err
	}
	return nil
}

// InitQueue opens the task-queue store and installs its schema.
func InitQueue(cfg *config.Configuration) (*backlite.Client, error) {
	d, err := OpenDB(cfg.TaskDbUrl)
	if err != nil {
		return nil, err
	}

	client, err := backlite.NewClient(backlite.ClientConfig{
		DB:              d,
		NumWorkers:      2,
		ReleaseAfter:    10 * time.Minute,
		CleanupInterval: time.Hour,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Install(); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureInstance creates the site actor and its keypair on first start. The
// site actor signs deliveries that are not attributable to a single user,
// and its key signs outbound fetches.
func EnsureInstance(ctx context.Context, d db.DB, ks *keys.Store, cfg *config.Configuration) (domain.LocalActor, error) {
	actor, err := d.GetLocalActorByName(ctx, domain.ActorSite, cfg.Name)
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Str("name", cfg.Name).Msg("creating site actor")
		actor = domain.LocalActor{
			Kind:              domain.ActorSite,
			Name:              cfg.Name,
			DisplayName:       cfg.Name,
			ApID:              cfg.Url.JoinPath("actor"),
			AutoAcceptFollows: cfg.AutoAcceptFollows,
		}
		actor.ID, err = d.CreateLocalActor(ctx, actor)
		if errors.Is(err, db.ErrConflict) {
			// Another process got there first.
			actor, err = d.GetLocalActorByName(ctx, domain.ActorSite, cfg.Name)
		}
	}
	if err != nil {
		return actor, err
	}

	if err := ks.EnsureKeypair(ctx, &actor); err != nil {
		return actor, err
	}
	return actor, nil
}
