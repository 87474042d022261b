package challenge

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/cpanel"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/data"
)

// RetractResult describes the records removed by Retract.
type RetractResult struct {
	Domain  string
	Deleted []cpanel.Record
}

type Retractor struct {
	api      RecordAPI
	store    Store
	snapshot bool
	log      *zap.Logger
}

// NewRetractor returns a Retractor. With snapshot set the fetched zone is
// dumped next to the scratch files while cleanup runs.
func NewRetractor(api RecordAPI, store Store, snapshot bool, log *zap.Logger) *Retractor {
	return &Retractor{
		api:      api,
		store:    store,
		snapshot: snapshot,
		log:      log.Named("retractor"),
	}
}

// Retract deletes the TXT records of domain's pending challenges. With a
// hint, the value handed over by the ACME client, only the first record
// whose value equals hint is deleted and only its scratch entry is dropped.
// Without one every value persisted for domain is retracted. Nothing to
// delete yields ErrNotFound.
func (r *Retractor) Retract(ctx context.Context, domain, hint string) (*RetractResult, error) {
	domain = data.Normalize(domain)
	if domain == "" {
		return nil, data.ErrEmptyDomain
	}
	log := r.log.With(zap.String("domain", domain))

	defer func() {
		var err error
		if hint != "" {
			err = r.store.Remove(domain, hint)
		} else {
			err = r.store.RemoveAll(domain)
		}
		if err != nil {
			log.Warn("failed to remove scratch state", zap.Error(err))
		}
	}()

	values := r.expected(log, domain, hint)
	if len(values) == 0 {
		log.Info("no pending challenge")
		return nil, ErrNotFound
	}

	log.Info("fetching TXT records")
	records, err := r.api.ListTXT(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing TXT records: %w", err)
	}

	if r.snapshot {
		if err := r.store.SaveSnapshot(domain, records); err != nil {
			log.Warn("failed to write zone snapshot", zap.Error(err))
		}
	}

	matched := match(records, values)
	if len(matched) == 0 {
		log.Info("no matching TXT record", zap.Int("records", len(records)))
		return nil, ErrNotFound
	}

	// Lines below a removed one shift up, so delete bottom-up.
	slices.SortFunc(matched, func(a, b cpanel.Record) int {
		return cmp.Compare(b.Line, a.Line)
	})

	res := &RetractResult{Domain: domain}
	for _, rec := range matched {
		log := log.With(zap.String("name", rec.Name), zap.Int("line", rec.Line))
		log.Info("deleting TXT record")
		if err := r.api.RemoveLine(ctx, rec.Line); err != nil {
			return res, fmt.Errorf("deleting line %d: %w", rec.Line, err)
		}
		log.Info("deleted TXT record")
		res.Deleted = append(res.Deleted, rec)
	}
	return res, nil
}

// match returns, per value, the first record carrying exactly that value.
// A record is matched at most once.
func match(records []cpanel.Record, values []string) []cpanel.Record {
	used := map[int]struct{}{}
	var matched []cpanel.Record
	for _, value := range values {
		for _, rec := range records {
			if _, ok := used[rec.Line]; ok || rec.TXTData != value {
				continue
			}
			used[rec.Line] = struct{}{}
			matched = append(matched, rec)
			break
		}
	}
	return matched
}

func (r *Retractor) expected(log *zap.Logger, domain, hint string) []string {
	if hint != "" {
		log.Debug("using value supplied by the ACME client")
		return []string{hint}
	}

	values, err := r.store.Load(domain)
	if err != nil {
		log.Warn("failed to read persisted values", zap.Error(err))
	}
	if len(values) == 0 {
		log.Debug("no persisted value")
	}
	return values
}
