package middleware

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// IPWhitelist only lets through clients whose address matches one of ips.
// Entries are single addresses or CIDR prefixes (10.0.0.0/8); malformed
// entries are ignored. An empty list allows everyone.
func IPWhitelist(ips []string) gin.HandlerFunc {
	var prefixes []netip.Prefix
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if strings.Contains(ip, "/") {
			if p, err := netip.ParsePrefix(ip); err == nil {
				prefixes = append(prefixes, p.Masked())
			}
			continue
		}
		if a, err := netip.ParseAddr(ip); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	open := len(ips) == 0
	return func(c *gin.Context) {
		if open || allowedAddr(prefixes, c.ClientIP()) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

func allowedAddr(prefixes []netip.Prefix, ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
