package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/steveyegge/trackbridge/internal/archive"
	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/retry"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/telemetry"
	"github.com/steveyegge/trackbridge/internal/ui"
	"github.com/steveyegge/trackbridge/internal/vocab"
)

// app holds per-invocation state shared by every command.
type app struct {
	configPath string
	verbose    bool
	quiet      bool

	settings config.Settings
	logger   *slog.Logger
	runID    string
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	db := a.settings.Database
	s, err := sqlstore.Open(ctx, sqlstore.Config{Driver: db.Driver, DSN: db.DSN, Database: db.Name})
	if err != nil {
		return nil, fmt.Errorf("open mapping store: %w", err)
	}
	return telemetry.WrapStore(s), nil
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.settings.Retry.MaxAttempts,
		BaseDelay:   a.settings.Retry.BaseDelay,
		Logger:      a.logger,
	}
}

func (a *app) sourceClient() (*jira.Client, error) {
	if err := config.RequireSource(); err != nil {
		return nil, err
	}
	s := a.settings.Source
	c := jira.NewClient(s.URL, s.Username, s.APIToken)
	c.Project = s.Project
	if s.PageSize > 0 {
		c.PageSize = s.PageSize
	}
	if a.settings.HTTPTimeout > 0 {
		c.HTTPClient.Timeout = a.settings.HTTPTimeout
	}
	c.Retry = a.retryPolicy()
	c.Logger = a.logger.With("side", "source")
	return c, nil
}

func (a *app) targetClient() (*redmine.Client, error) {
	if err := config.RequireTarget(); err != nil {
		return nil, err
	}
	t := a.settings.Target
	c := redmine.NewClient(t.URL, t.APIKey)
	if t.ExtendedPrefix != "" {
		c.ExtendedPrefix = t.ExtendedPrefix
	}
	if a.settings.HTTPTimeout > 0 {
		c.HTTPClient.Timeout = a.settings.HTTPTimeout
	}
	c.Retry = a.retryPolicy()
	c.Logger = a.logger.With("side", "target")
	return c, nil
}

func (a *app) vocabulary() (*vocab.Vocabulary, error) {
	if a.settings.Vocabulary == "" {
		return vocab.Default(), nil
	}
	v, err := vocab.Load(a.settings.Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	return v, nil
}

func (a *app) archive(ctx context.Context) (archive.BlobStore, error) {
	s := a.settings.Attachments.Archive
	return archive.Open(ctx, archive.Config{
		Kind:   s.Kind,
		Path:   s.Path,
		Bucket: s.Bucket,
		Region: s.Region,
	})
}

// printer routes engine callbacks to the command's output streams.
type printer struct {
	out io.Writer
	err io.Writer
}

func (p printer) message(msg string) {
	fmt.Fprintf(p.out, "%s %s\n", ui.RenderInfoIcon(), msg)
}

func (p printer) warning(msg string) {
	fmt.Fprintf(p.err, "%s %s\n", ui.RenderWarnIcon(), msg)
}
