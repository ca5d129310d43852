package pyramid

import (
	"fmt"
	"strings"
)

// CRS identifies a coordinate reference system by authority and code, e.g. EPSG:3857.
// Only identity is modelled here, transformations are out of scope.
type CRS struct {
	Authority string
	Code      string
}

// ParseCRS parses "AUTHORITY:CODE". An empty string yields the zero CRS.
func ParseCRS(s string) (CRS, error) {
	if s == "" {
		return CRS{}, nil
	}
	authority, code, ok := strings.Cut(s, ":")
	if !ok || authority == "" || code == "" {
		return CRS{}, fmt.Errorf(`%w: could not parse crs "%v", expected AUTHORITY:CODE`, ErrConfiguration, s)
	}
	return CRS{Authority: strings.ToUpper(authority), Code: code}, nil
}

func MustParseCRS(s string) CRS {
	crs, err := ParseCRS(s)
	if err != nil {
		panic(err)
	}
	return crs
}

func (c CRS) IsZero() bool {
	return c.Authority == "" && c.Code == ""
}

// Equal compares authority case-insensitively and code exactly.
func (c CRS) Equal(o CRS) bool {
	return strings.EqualFold(c.Authority, o.Authority) && c.Code == o.Code
}

func (c CRS) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Authority + ":" + c.Code
}
