package service

import (
	"fmt"
	"time"

	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

// MISPCategory is the category of every pushed attribute.
const MISPCategory = "Network activity"

// MISPType maps an IOC type to the MISP attribute type.
func MISPType(t domain.IOCType) string {
	switch t.Kind() {
	case domain.KindIP:
		return "ip-dst"
	case domain.KindDomain, domain.KindC2:
		return "domain"
	case domain.KindURL:
		return "url"
	case domain.KindHash:
		return "md5"
	case domain.KindEmail:
		return "email-dst"
	case domain.KindASN:
		return "AS"
	default:
		return "text"
	}
}

// BuildAttributes returns one MISP attribute per record, in input order.
func BuildAttributes(iocs []domain.IOC) []ports.MISPAttribute {
	attrs := make([]ports.MISPAttribute, 0, len(iocs))
	for _, ioc := range iocs {
		attrs = append(attrs, ports.MISPAttribute{
			Type:     MISPType(ioc.Type),
			Value:    ioc.Value,
			Category: MISPCategory,
			ToIDs:    true,
			Comment:  fmt.Sprintf("source=%s artifact=%s ecosystem=%s", ioc.Source, ioc.Artifact, ioc.Ecosystem),
		})
	}
	return attrs
}

// EventTitle names the event for a push filtered by artifact ("all" when empty).
func EventTitle(artifact string, now time.Time) string {
	if artifact == "" {
		artifact = "all"
	}
	return fmt.Sprintf("OpenSourceMalware IOCs (%s) – %s", artifact, now.UTC().Format("2006-01-02 15:04:05Z"))
}
