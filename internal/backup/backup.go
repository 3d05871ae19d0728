// Package backup moves the ban registry in and out of YAML documents.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"bangate/internal/domain"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const DefaultConcurrency = 4

type Document struct {
	PlayerBans []domain.Ban `yaml:"player_bans"`
	IPBans     []domain.Ban `yaml:"ip_bans"`
}

type Lister interface {
	List(ctx context.Context, kind domain.Kind) ([]domain.Ban, error)
}

type Upserter interface {
	Upsert(ctx context.Context, req domain.BanRequest) (domain.Ban, error)
}

// Export writes every stored ban to w.
func Export(ctx context.Context, store Lister, w io.Writer) (Document, error) {
	var doc Document
	var err error

	if doc.PlayerBans, err = store.List(ctx, domain.KindName); err != nil {
		return Document{}, fmt.Errorf("backup: list player bans: %w", err)
	}
	if doc.IPBans, err = store.List(ctx, domain.KindIP); err != nil {
		return Document{}, fmt.Errorf("backup: list ip bans: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return Document{}, fmt.Errorf("backup: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Document{}, fmt.Errorf("backup: encode: %w", err)
	}
	return doc, nil
}

type ImportResult struct {
	Imported int
	Failed   []error
}

// Import upserts every entry of the document read from r, at most
// concurrency at a time. Entries the store rejects are collected in Failed;
// only a read error or a cancelled context aborts the import.
func Import(ctx context.Context, store Upserter, r io.Reader, concurrency int) (ImportResult, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return ImportResult{}, fmt.Errorf("backup: decode: %w", err)
	}
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	requests := make([]domain.BanRequest, 0, len(doc.PlayerBans)+len(doc.IPBans))
	for _, b := range doc.PlayerBans {
		requests = append(requests, toRequest(domain.KindName, b))
	}
	for _, b := range doc.IPBans {
		requests = append(requests, toRequest(domain.KindIP, b))
	}

	failures := make([]error, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for i, req := range requests {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if _, err := store.Upsert(groupCtx, req); err != nil {
				failures[i] = fmt.Errorf("%s: %w", req.Target, err)
				log.Warn("import entry rejected", "target", req.Target, "error", err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ImportResult{}, fmt.Errorf("backup: import: %w", err)
	}

	result := ImportResult{}
	for _, err := range failures {
		if err != nil {
			result.Failed = append(result.Failed, err)
		} else {
			result.Imported++
		}
	}
	return result, nil
}

func toRequest(kind domain.Kind, b domain.Ban) domain.BanRequest {
	req := domain.BanRequest{
		Target: domain.Target{Kind: kind, Key: b.Key},
		Issuer: b.BannedBy,
		Reason: b.Reason,
	}
	if kind == domain.KindName {
		req.Identity = b.Identity
	}
	return req
}
