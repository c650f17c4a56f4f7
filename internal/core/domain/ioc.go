package domain

import (
	"encoding/json"
	"time"
)

// IOCType is the lower-cased type tag reported by the upstream source.
// Tags outside the known set are kept verbatim and resolve to KindUnknown.
type IOCType string

const (
	IPAddress IOCType = "ip"
	Domain    IOCType = "domain"
	URL       IOCType = "url"
	FileHash  IOCType = "hash"
	Email     IOCType = "email"
	ASN       IOCType = "asn"
	C2        IOCType = "c2"
)

// Kind is the closed set of indicator kinds every exporter dispatches on.
type Kind int

const (
	KindUnknown Kind = iota
	KindIP
	KindDomain
	KindURL
	KindHash
	KindEmail
	KindASN
	KindC2
)

// KnownTypes lists the supported type tags in a fixed order.
var KnownTypes = []IOCType{IPAddress, Domain, URL, FileHash, Email, ASN, C2}

// Kind resolves the type tag. Unrecognized or empty tags are KindUnknown.
func (t IOCType) Kind() Kind {
	switch t {
	case IPAddress:
		return KindIP
	case Domain:
		return KindDomain
	case URL:
		return KindURL
	case FileHash:
		return KindHash
	case Email:
		return KindEmail
	case ASN:
		return KindASN
	case C2:
		return KindC2
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindIP:
		return "ip"
	case KindDomain:
		return "domain"
	case KindURL:
		return "url"
	case KindHash:
		return "hash"
	case KindEmail:
		return "email"
	case KindASN:
		return "asn"
	case KindC2:
		return "c2"
	default:
		return "unknown"
	}
}

// IOC is the canonical record: one row per (value, type, source).
type IOC struct {
	Value      string     // O observável (IP, hash, domínio...)
	Type       IOCType    // Tag de tipo já em minúsculas
	FirstSeen  *time.Time // Imutável depois do primeiro insert
	LastSeen   *time.Time
	Confidence int
	Source     string // Rótulo de proveniência
	Artifact   string // Pacote/artifact ao qual o IOC foi atribuído
	Ecosystem  string // npm, pypi, ...
	Tags       []string
}

// Identity is the merge key of a canonical record.
type Identity struct {
	Value  string
	Type   IOCType
	Source string
}

func (i IOC) Identity() Identity {
	return Identity{Value: i.Value, Type: i.Type, Source: i.Source}
}

// Less orders identities lexicographically by value, type, then source.
func (i Identity) Less(o Identity) bool {
	if i.Value != o.Value {
		return i.Value < o.Value
	}
	if i.Type != o.Type {
		return i.Type < o.Type
	}
	return i.Source < o.Source
}

// Seen returns last_seen, falling back to first_seen. Nil when neither is set.
func (i IOC) Seen() *time.Time {
	if i.LastSeen != nil {
		return i.LastSeen
	}
	return i.FirstSeen
}

// EncodeTags renders tags as a JSON array. Nil and empty both encode to "[]".
func EncodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeTags parses the storage encoding produced by EncodeTags.
func DecodeTags(s string) ([]string, error) {
	if s == "" || s == "null" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// FormatTime renders an optional timestamp as RFC 3339 in UTC, "" when nil.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
