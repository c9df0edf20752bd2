// Package geoip annotates addresses with the country and city found in a
// MaxMind City database.
// Package geoip 使用 MaxMind City 数据库为地址标注国家和城市。
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
)

// Location is what the database knows about an address.
type Location struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Empty reports whether nothing was found.
func (l Location) Empty() bool {
	return l == Location{}
}

// String renders "City, Country", or whichever part is known.
func (l Location) String() string {
	switch {
	case l.City != "" && l.Country != "":
		return l.City + ", " + l.Country
	case l.Country != "":
		return l.Country
	default:
		return l.City
	}
}

// Locator resolves addresses to locations.
// Locator 将地址解析为地理位置。
type Locator interface {
	Lookup(ip iputil.Address) (Location, bool)
	Close() error
}

type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// DB is a Locator backed by a City mmdb file.
type DB struct {
	r cityReader
}

// Open loads the City database at path.
// Open 加载 path 处的 City 数据库。
func Open(path string) (*DB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &DB{r: r}, nil
}

// Lookup resolves the first address of ip's network. English names are
// preferred; the ISO code stands in for a country without one.
// Lookup 解析 ip 所在网段的首地址，优先使用英文名称，国家无名称时使用 ISO 代码。
func (d *DB) Lookup(ip iputil.Address) (Location, bool) {
	if !ip.IsValid() {
		return Location{}, false
	}
	rec, err := d.r.City(net.IP(ip.Addr().AsSlice()))
	if err != nil || rec == nil {
		return Location{}, false
	}
	loc := Location{
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	if name := rec.Country.Names["en"]; name != "" {
		loc.Country = name
	} else {
		loc.Country = rec.Country.IsoCode
	}
	return loc, !loc.Empty()
}

func (d *DB) Close() error {
	return d.r.Close()
}

// Nop never finds anything. It is used when no database is configured.
type Nop struct{}

func (Nop) Lookup(iputil.Address) (Location, bool) { return Location{}, false }
func (Nop) Close() error                           { return nil }

// New opens path, or returns Nop when path is empty.
func New(path string) (Locator, error) {
	if path == "" {
		return Nop{}, nil
	}
	return Open(path)
}
