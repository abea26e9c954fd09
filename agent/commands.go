package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mkopani/minidoc/crdt"
	"github.com/mkopani/minidoc/metadata"
	"github.com/mkopani/minidoc/session"
	"github.com/mkopani/minidoc/store"
)

// joined is a session that has loaded its document.
type joined struct {
	*session.Session
	cache *store.Store
}

func (j *joined) close() {
	if j.cache != nil {
		if err := j.cache.Put(j.DocumentID(), j.Replica().Snapshot()); err != nil {
			log.Warn("failed to cache snapshot", "err", err)
		}
	}
	j.Close()
	if j.cache != nil {
		j.cache.Close()
	}
}

// join opens doc, hydrated from the cache when possible, and waits for the
// first open.
func join(ctx context.Context, doc string) (*joined, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		var err error
		endpoint, err = discoverEndpoint(ctx, cfg.DiscoverTimeout, log)
		if err != nil {
			return nil, err
		}
	}

	j := &joined{}
	scfg := session.DefaultConfig()
	scfg.Endpoint = endpoint
	scfg.DocumentID = doc
	scfg.Transport.RetryDelay = cfg.RetryDelay
	scfg.Transport.MaxAttempts = cfg.MaxAttempts
	scfg.Logger = log

	if cfg.Cache != "" {
		cache, err := openCache(cfg.Cache)
		if err != nil {
			log.Warn("snapshot cache unavailable", "path", cfg.Cache, "err", err)
		} else {
			j.cache = cache
			scfg.Store = cache
			snap, err := cache.Get(doc)
			switch {
			case err == nil:
				scfg.Snapshot = snap
			case !errors.Is(err, store.ErrNotFound):
				log.Warn("failed to read cached snapshot", "doc", doc, "err", err)
			}
		}
	}

	s, err := session.Open(ctx, scfg)
	if err != nil && scfg.Snapshot != nil {
		log.Warn("discarding unreadable cached snapshot", "doc", doc, "err", err)
		scfg.Snapshot = nil
		s, err = session.Open(ctx, scfg)
	}
	if err != nil {
		if j.cache != nil {
			j.cache.Close()
		}
		return nil, err
	}
	j.Session = s

	for {
		select {
		case <-ctx.Done():
			j.close()
			return nil, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				j.close()
				return nil, session.ErrClosed
			}
			switch ev := ev.(type) {
			case session.Loaded:
				return j, nil
			case session.Disconnected:
				log.Debug("connection attempt failed", "err", ev.Err)
			case session.Failed:
				j.close()
				return nil, ev.Err
			}
		}
	}
}

func openCache(path string) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return store.Open(path)
}

// catchUp keeps receiving for d so the document reflects what other editors
// have already written.
func (j *joined) catchUp(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-j.Events():
			if !ok {
				return session.ErrClosed
			}
			if f, ok := ev.(session.Failed); ok {
				return f.Err
			}
		}
	}
}

func describe(ctx context.Context, doc string) {
	if cfg.API == "" {
		return
	}
	client := &metadata.Client{BaseURL: cfg.API, Token: cfg.Token}
	meta, err := client.Fetch(ctx, doc)
	if err != nil {
		log.Warn("failed to fetch document metadata", "doc", doc, "err", err)
		return
	}
	log.Info("document",
		"doc", meta.ID,
		"title", session.NormalizeTitle(meta.Title),
		"updated", metadata.FormatUpdatedAt(meta.UpdatedAt, time.Now()))
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doc := args[0]
	describe(ctx, doc)

	j, err := join(ctx, doc)
	if err != nil {
		return err
	}
	defer j.close()
	log.Info("joined document", "doc", doc, "text", j.Replica().Text())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-j.Events():
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case session.ContentChanged:
				log.Info("content changed", "text", ev.Text)
			case session.TitleUpdated:
				log.Info("title updated", "title", session.NormalizeTitle(ev.Title))
			case session.Saved:
				log.Info("saved by another editor", "at", ev.At.Format(time.Kitchen))
			case session.Disconnected:
				log.Warn("disconnected", "err", ev.Err)
			case session.Reconnected:
				log.Info("reconnected")
			case session.Failed:
				return fmt.Errorf("collaboration lost: %w", ev.Err)
			}
		}
	}
}

func runNew(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doc := uuid.NewString()
	j, err := join(ctx, doc)
	if err != nil {
		return err
	}
	defer j.close()
	if len(args) > 0 {
		if err := j.Edit(crdt.Change{Insert: args[0]}); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), doc)
	return nil
}

func runAppend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := join(ctx, args[0])
	if err != nil {
		return err
	}
	defer j.close()
	if err := j.catchUp(ctx, settle); err != nil {
		return err
	}
	if err := j.Edit(crdt.Change{Pos: j.Replica().Len(), Insert: args[1]}); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), j.Replica().Text())
	return nil
}

func runTitle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := join(ctx, args[0])
	if err != nil {
		return err
	}
	defer j.close()
	title := session.NormalizeTitle(args[1])
	if !j.PublishTitleUpdate(title) {
		return errors.New("connection lost before the title was sent")
	}
	fmt.Fprintln(cmd.OutOrStdout(), title)
	return nil
}

func runSave(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := join(ctx, args[0])
	if err != nil {
		return err
	}
	defer j.close()
	if err := j.catchUp(ctx, settle); err != nil {
		return err
	}
	if !j.PublishSave() {
		return errors.New("connection lost before the save was announced")
	}
	return nil
}
