package geoip

import (
	"errors"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
)

type fakeReader struct {
	records map[string]*geoip2.City
	asked   []string
	closed  bool
}

func (f *fakeReader) City(ip net.IP) (*geoip2.City, error) {
	f.asked = append(f.asked, ip.String())
	rec, ok := f.records[ip.String()]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func city(country, iso, name string, lat, lon float64) *geoip2.City {
	c := &geoip2.City{}
	if country != "" {
		c.Country.Names = map[string]string{"en": country}
	}
	c.Country.IsoCode = iso
	if name != "" {
		c.City.Names = map[string]string{"en": name, "de": name + "-de"}
	}
	c.Location.Latitude = lat
	c.Location.Longitude = lon
	return c
}

// TestDB_Lookup tests name selection and network addresses
// TestDB_Lookup 测试名称选择与网段地址
func TestDB_Lookup(t *testing.T) {
	r := &fakeReader{records: map[string]*geoip2.City{
		"81.2.69.142": city("United Kingdom", "GB", "London", 51.5142, -0.0931),
		"10.1.0.0":    city("", "DE", "", 0, 0),
		"2001:db8::":  city("Sweden", "SE", "", 59.3, 18.0),
		"192.0.2.1":   {},
	}}
	db := &DB{r: r}

	loc, ok := db.Lookup(iputil.MustParseAddress("81.2.69.142"))
	require.True(t, ok)
	assert.Equal(t, Location{Country: "United Kingdom", City: "London", Latitude: 51.5142, Longitude: -0.0931}, loc)
	assert.Equal(t, "London, United Kingdom", loc.String())

	loc, ok = db.Lookup(iputil.MustParseAddress("10.1.2.3/16"))
	require.True(t, ok)
	assert.Equal(t, "DE", loc.Country, "ISO code without a name")
	assert.Equal(t, "DE", loc.String())

	loc, ok = db.Lookup(iputil.MustParseAddress("2001:db8::/48"))
	require.True(t, ok)
	assert.Equal(t, "Sweden", loc.Country)

	_, ok = db.Lookup(iputil.MustParseAddress("192.0.2.1"))
	assert.False(t, ok, "empty record")

	_, ok = db.Lookup(iputil.MustParseAddress("198.51.100.1"))
	assert.False(t, ok)

	_, ok = db.Lookup(iputil.Address{})
	assert.False(t, ok)

	assert.Equal(t, []string{"81.2.69.142", "10.1.0.0", "2001:db8::", "192.0.2.1", "198.51.100.1"}, r.asked)

	require.NoError(t, db.Close())
	assert.True(t, r.closed)
}

func TestNew(t *testing.T) {
	l, err := New("")
	require.NoError(t, err)
	_, ok := l.Lookup(iputil.MustParseAddress("81.2.69.142"))
	assert.False(t, ok)
	assert.NoError(t, l.Close())

	_, err = New("/non/existent/GeoLite2-City.mmdb")
	assert.Error(t, err)
}

func TestLocation_String(t *testing.T) {
	assert.Equal(t, "", Location{}.String())
	assert.Equal(t, "Paris", Location{City: "Paris"}.String())
	assert.True(t, Location{}.Empty())
}
