// Package challenge publishes, verifies and retracts DNS-01 challenge
// records.
package challenge

import (
	"context"
	"errors"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/cpanel"
	"github.com/0xfelix/cpanel-dns01-hook/pkg/propagation"
)

// ErrNotFound means cleanup found nothing to delete. Callers treat it as
// success.
var ErrNotFound = errors.New("challenge record not found")

// RecordAPI manages the TXT records of one zone.
type RecordAPI interface {
	Domain() string
	ListTXT(ctx context.Context) ([]cpanel.Record, error)
	AddTXT(ctx context.Context, name, value string, ttl int) error
	RemoveLine(ctx context.Context, line int) error
}

// Store hands the expected values from the authenticate to the cleanup
// run. A domain can have several pending values, e.g. the apex and the
// wildcard challenge of one name.
type Store interface {
	Save(domain, value string) error
	Load(domain string) ([]string, error)
	SaveSnapshot(domain string, v any) error
	Remove(domain, value string) error
	RemoveAll(domain string) error
}

// Waiter blocks until fqdn serves expected.
type Waiter interface {
	Wait(ctx context.Context, zone, fqdn, expected string) (*propagation.Result, error)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
