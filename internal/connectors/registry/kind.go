package registry

import (
	"fmt"
	"strings"
)

// Kind identifies a connector implementation.
type Kind string

const (
	KindREST       Kind = "rest"
	KindSOAP       Kind = "soap"
	KindWebhook    Kind = "webhook"
	KindManagedELT Kind = "managed_elt"
)

var allKinds = []Kind{KindREST, KindSOAP, KindWebhook, KindManagedELT}

// Kinds returns every known connector kind.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// ParseKind normalizes raw and reports whether it names a known kind.
// "api" and "graphql" are accepted as aliases for rest.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindREST, KindSOAP, KindWebhook, KindManagedELT:
		return k, nil
	case "api", "graphql":
		return KindREST, nil
	case "airbyte", "managed-elt":
		return KindManagedELT, nil
	default:
		return "", NewError(CodeValidation, "unknown_kind", fmt.Sprintf("unknown connector kind %q", raw))
	}
}

func (k Kind) String() string { return string(k) }
