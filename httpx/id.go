package httpx

import (
	"strings"

	"github.com/google/uuid"
)

// genID returns a random request identifier.
func genID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
