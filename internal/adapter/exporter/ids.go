package exporter

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hive-corporation/iochub/internal/core/domain"
)

// DeriveID returns a STIX identifier "<objectType>--<uuid>" where the UUID is
// version 5 (SHA-1, URL namespace) of name. Same inputs, same identifier.
func DeriveID(objectType, name string) string {
	return fmt.Sprintf("%s--%s", objectType, uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String())
}

// identityKey is "<type>:<value>", the per-record part of every derived name.
func identityKey(ioc domain.IOC) string {
	return string(ioc.Type) + ":" + ioc.Value
}

func indicatorID(ioc domain.IOC) string {
	return DeriveID("indicator", "indicator:"+identityKey(ioc))
}

func observedDataID(ioc domain.IOC) string {
	return DeriveID("observed-data", "observed:"+identityKey(ioc))
}

func relationshipID(ioc domain.IOC) string {
	return DeriveID("relationship", "rel:"+identityKey(ioc))
}
