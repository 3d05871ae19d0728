package geolite

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Locator annotates addresses with their country. A nil *Locator answers ""
// for every lookup so callers never need to check whether a database is
// configured.
type Locator struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

// Open loads a GeoLite2/GeoIP2 Country database from disk.
func Open(path string) (*Locator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geolite: open %s: %w", path, err)
	}
	return &Locator{reader: reader}, nil
}

// CountryCode returns the ISO code for ip, or "" when unknown.
func (l *Locator) CountryCode(ip string) string {
	if l == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return ""
	}

	record, err := l.reader.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (l *Locator) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}
