package cpanel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/libdns/libdns"
	"go.uber.org/zap"
)

// Provider exposes the TXT records of the client's zone through the libdns
// interfaces so the client can back certmagic style DNS solvers.
type Provider struct {
	Client *Client
	// TTL is used for appended records that carry none.
	TTL time.Duration
}

func NewProvider(c *Client, ttl time.Duration) *Provider {
	return &Provider{Client: c, TTL: ttl}
}

func (p *Provider) GetRecords(ctx context.Context, zone string) ([]libdns.Record, error) {
	if err := p.checkZone(zone); err != nil {
		return nil, err
	}

	records, err := p.Client.ListTXT(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]libdns.Record, 0, len(records))
	for _, r := range records {
		out = append(out, libdns.TXT{
			Name: relativeName(r.Name, zone),
			TTL:  time.Duration(r.TTL) * time.Second,
			Text: r.TXTData,
		})
	}
	return out, nil
}

func (p *Provider) AppendRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if err := p.checkZone(zone); err != nil {
		return nil, err
	}

	var appended []libdns.Record
	for _, rec := range recs {
		rr := rec.RR()
		if rr.Type != RecordTypeTXT {
			return appended, fmt.Errorf("unsupported record type %s", rr.Type)
		}

		ttl := rr.TTL
		if ttl <= 0 {
			ttl = p.TTL
		}
		name := relativeName(libdns.AbsoluteName(rr.Name, zone), zone)
		if err := p.Client.AddTXT(ctx, name, rr.Data, int(ttl.Seconds())); err != nil {
			return appended, err
		}

		p.Client.log.Debug("appended record", zap.String("name", name))
		appended = append(appended, libdns.TXT{Name: rr.Name, TTL: ttl, Text: rr.Data})
	}
	return appended, nil
}

// DeleteRecords removes every TXT record matching name and, if given, text.
// Lines are removed from the bottom up because cPanel renumbers the lines
// following a removed one.
func (p *Provider) DeleteRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if err := p.checkZone(zone); err != nil {
		return nil, err
	}

	records, err := p.Client.ListTXT(ctx)
	if err != nil {
		return nil, err
	}

	matched := map[int]libdns.Record{}
	for _, rec := range recs {
		rr := rec.RR()
		if rr.Type != "" && rr.Type != RecordTypeTXT {
			continue
		}
		name := relativeName(libdns.AbsoluteName(rr.Name, zone), zone)
		for _, r := range records {
			if relativeName(r.Name, zone) != name {
				continue
			}
			if rr.Data != "" && r.TXTData != rr.Data {
				continue
			}
			matched[r.Line] = libdns.TXT{
				Name: rr.Name,
				TTL:  time.Duration(r.TTL) * time.Second,
				Text: r.TXTData,
			}
		}
	}

	lines := make([]int, 0, len(matched))
	for line := range matched {
		lines = append(lines, line)
	}
	slices.Sort(lines)
	slices.Reverse(lines)

	var deleted []libdns.Record
	for _, line := range lines {
		if err := p.Client.RemoveLine(ctx, line); err != nil {
			return deleted, err
		}
		p.Client.log.Debug("deleted record", zap.Int("line", line))
		deleted = append(deleted, matched[line])
	}
	return deleted, nil
}

func (p *Provider) checkZone(zone string) error {
	if normalizeZone(zone) != normalizeZone(p.Client.Domain()) {
		return fmt.Errorf("zone %s is not managed by this provider (%s)", zone, p.Client.Domain())
	}
	return nil
}

func normalizeZone(zone string) string {
	return strings.ToLower(strings.TrimSuffix(zone, "."))
}

// relativeName strips zone from a record name, cPanel reports absolute
// names with a trailing dot.
func relativeName(name, zone string) string {
	n := normalizeZone(name)
	z := normalizeZone(zone)
	if n == z {
		return "@"
	}
	return strings.TrimSuffix(n, "."+z)
}

var (
	_ libdns.RecordGetter   = (*Provider)(nil)
	_ libdns.RecordAppender = (*Provider)(nil)
	_ libdns.RecordDeleter  = (*Provider)(nil)
)
