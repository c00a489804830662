//go:build cgo

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
)

const embeddedOpenMaxElapsed = 30 * time.Second

func newEmbeddedOpenBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = embeddedOpenMaxElapsed
	return bo
}

// openEmbeddedDolt opens an embedded Dolt database. The DSN has the
// dolthub/driver form:
//
//	file:///abs/path/to/dbs?commitname=trackbridge&commitemail=trackbridge@localhost
func openEmbeddedDolt(ctx context.Context, cfg Config) (*sql.DB, io.Closer, error) {
	if cfg.DSN == "" {
		return nil, nil, fmt.Errorf("dolt driver requires database.dsn (file:///path?commitname=...&commitemail=...)")
	}
	openCfg, err := embedded.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Dolt DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded Dolt is single-writer; one connection also keeps USE sticky.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	name := cfg.Database
	if name == "" {
		name = "trackbridge"
	}
	for _, stmt := range []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name),
		fmt.Sprintf("USE `%s`", name),
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			_ = connector.Close()
			return nil, nil, fmt.Errorf("prepare Dolt database %q: %w", name, err)
		}
	}
	return db, connector, nil
}
