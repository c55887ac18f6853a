package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"solarchat/internal/constants"
	"solarchat/internal/errors"
)

// ValidateIdentifier checks a viewer or peer id. Ids are opaque to the client
// but must be non-empty, bounded and free of separators used by the console.
func ValidateIdentifier(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewValidationError(field, id, "cannot be empty")
	}

	if utf8.RuneCountInString(id) > constants.MaxIdentifierLength {
		return errors.NewValidationError(field, id,
			fmt.Sprintf("too long (max %d characters)", constants.MaxIdentifierLength))
	}

	for _, char := range id {
		if unicode.IsControl(char) || unicode.IsSpace(char) || char == ',' {
			return errors.NewValidationError(field, id, "contains invalid characters")
		}
	}

	return nil
}

// ValidateDisplayName checks the optional viewer display name
func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > constants.MaxDisplayNameLength {
		return errors.NewValidationError("name", name,
			fmt.Sprintf("too long (max %d characters)", constants.MaxDisplayNameLength))
	}

	for _, char := range name {
		if unicode.IsControl(char) {
			return errors.NewValidationError("name", name, "contains control characters")
		}
	}

	return nil
}

// ValidatePeers checks every id in a peer selection
func ValidatePeers(peers []string) error {
	for _, peer := range peers {
		if err := ValidateIdentifier("peer", peer); err != nil {
			return err
		}
	}
	return nil
}
