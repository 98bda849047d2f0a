package geolite

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// CountryReader resolves IPv4 hosts to ISO country codes. The underlying
// database can be swapped at runtime with Reload.
type CountryReader struct {
	path string
	mu   sync.RWMutex
	db   *geoip2.Reader
}

func OpenCountry(path string) (*CountryReader, error) {
	r := &CountryReader{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reopens the database file and closes the previous handle.
func (r *CountryReader) Reload() error {
	db, err := geoip2.Open(r.path)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.db
	r.db = db
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Country returns "" for hostnames and addresses missing from the database.
func (r *CountryReader) Country(host string) string {
	if r == nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return ""
	}
	record, err := r.db.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (r *CountryReader) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
