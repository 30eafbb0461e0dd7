package sandbox

import (
	"context"
	"regexp"
)

// Vault is the credential vault consumed by the Sandbox (spec.md §6).
// FetchCredentials, its only caller here, does not write an audit record of
// these lookups.
type Vault interface {
	GetForExecution(ctx context.Context, credentialID, userID string) (map[string]string, error)
}

// sensitiveFieldPattern matches the field-name families spec.md §4.3
// requires masked in any logged map: password, secret, key, token,
// private (case-insensitive, substring match so "apiKey" and
// "private_key" both hit).
var sensitiveFieldPattern = regexp.MustCompile(`(?i)(password|secret|key|token|private)`)

const maskedValue = "***"

// MaskSensitive returns a copy of the flat credential map m with any
// sensitive-looking key replaced by a fixed mask, so that free-form logged
// data never carries a raw secret alongside it. Nested parameter trees are
// handled by MaskSensitiveAny.
//
// No pack repo implements vault-secret redaction explicitly (the teacher
// has no credential vault at all); this is built in the teacher's idiom —
// a small pure function over a map — since field-name-pattern masking has
// no natural library fit. See DESIGN.md.
func MaskSensitive(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if sensitiveFieldPattern.MatchString(k) {
			out[k] = maskedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// MaskSensitiveAny masks sensitive keys within an arbitrary parameter tree
// (map[string]any), used when logging a node's resolved parameters rather
// than a raw credential map.
func MaskSensitiveAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			if sensitiveFieldPattern.MatchString(k) {
				out[k] = maskedValue
			} else {
				out[k] = MaskSensitiveAny(vv)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = MaskSensitiveAny(vv)
		}
		return out
	default:
		return v
	}
}

// CredentialSet is the resolved secrets for one node execution, keyed by
// the node's declared credential type (spec.md §3 Node.Credentials).
type CredentialSet map[string]map[string]string

// FetchCredentials resolves every credential type a node requires via the
// vault, mapping through the node's credentials field
// (required-credential-type -> credential-id).
func FetchCredentials(ctx context.Context, vault Vault, required []string, mapping map[string]string, userID string) (CredentialSet, *ExecError) {
	out := make(CredentialSet, len(required))
	for _, credType := range required {
		credID, ok := mapping[credType]
		if !ok {
			return nil, Wrap(KindAuth, "missing credential mapping for type "+credType, nil)
		}
		secret, err := vault.GetForExecution(ctx, credID, userID)
		if err != nil {
			return nil, Wrap(KindAuth, "credential vault rejected "+credType, err)
		}
		out[credType] = secret
	}
	return out, nil
}
