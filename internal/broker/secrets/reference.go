package secrets

import (
	"fmt"
	"strings"
)

// Reference identifies a secret inside an external secret store, per
// spec.md §3: the tuple (vault, item, field), with canonical string form
// op://<vault>/<item>/<field>.
type Reference struct {
	Vault string
	Item  string
	Field string
}

// ParseReference parses the canonical op://vault/item/field form. Any input
// not matching exactly this shape is rejected with bad_request.invalid_field,
// mirroring original_source's SecretReference.parse.
func ParseReference(value string) (Reference, error) {
	const prefix = "op://"
	if !strings.HasPrefix(value, prefix) {
		return Reference{}, &ResolverError{
			Code:    CodeBadRequestInvalidField,
			Message: "secret reference must start with op://",
		}
	}

	parts := strings.Split(value[len(prefix):], "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Reference{}, &ResolverError{
			Code:    CodeBadRequestInvalidField,
			Message: "secret reference must follow op://vault/item/field",
		}
	}

	return Reference{Vault: parts[0], Item: parts[1], Field: parts[2]}, nil
}

// URI returns the canonical op://vault/item/field string form.
func (r Reference) URI() string {
	return fmt.Sprintf("op://%s/%s/%s", r.Vault, r.Item, r.Field)
}
