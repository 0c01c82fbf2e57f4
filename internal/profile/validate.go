package profile

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/howudoin/internal/apierr"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return apierr.Invalid("profile", fmt.Sprintf("invalid name %q: must match ^[a-z0-9_-]{1,64}$", name))
	}
	return nil
}
