package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ApexDomain returns the registrable domain (eTLD+1) for host.
func ApexDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	apexDomain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		apexDomain = host // Fallback to the original name if parsing fails
	}
	return apexDomain
}

// ApexDomainOfURL is ApexDomain applied to the host of a URL.
func ApexDomainOfURL(raw string) string {
	return ApexDomain(HostOf(raw))
}
