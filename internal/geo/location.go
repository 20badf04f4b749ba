package geo

import (
	"net/netip"
	"strings"
)

// Location is the enrichment attached to a session or security event.
type Location struct {
	IP          string  `json:"ip"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	RegionName  string  `json:"region_name,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lng         float64 `json:"lng,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	IsLocal     bool    `json:"is_local,omitempty"`
}

func localPlaceholder(ip string) *Location {
	return &Location{
		IP:          ip,
		City:        "Local",
		Region:      "Local",
		RegionName:  "Local",
		Country:     "Local",
		CountryCode: "LOCAL",
		Timezone:    "UTC",
		ISP:         "Local Network",
		IsLocal:     true,
	}
}

// NormalizeIP trims the address and strips the IPv4-mapped IPv6 prefix.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if strings.HasPrefix(strings.ToLower(ip), "::ffff:") {
		ip = ip[len("::ffff:"):]
	}
	return ip
}

// IsLocalIP reports whether ip is empty, unparseable, loopback, private,
// link-local or unspecified. Such addresses are never sent upstream.
func IsLocalIP(ip string) bool {
	ip = NormalizeIP(ip)
	if ip == "" || strings.EqualFold(ip, "unknown") || strings.EqualFold(ip, "localhost") {
		return true
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()

	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified()
}
