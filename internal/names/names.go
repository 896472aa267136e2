// Package names generates agent ids for CLI sessions that do not pick one.
package names

import (
	"strings"

	"github.com/google/uuid"
)

// EnvAgent names the environment variable that pins the CLI agent id.
const EnvAgent = "INTERLOCK_AGENT"

var (
	adjectives = []string{
		"quiet", "steady", "lucid", "nimble", "patient", "frank",
		"tactical", "subtle", "candid", "sober", "restless", "wry",
		"lapsed", "serious", "uninvited", "youthful", "reformed", "honest",
	}

	nouns = []string{
		"gravitas", "margin", "signal", "context", "protocol", "vector",
		"horizon", "tangent", "threshold", "gradient", "quotient", "salvage",
		"grace", "glint", "caller", "guest", "diplomat", "pacifist",
	}
)

// Generate returns a readable random id such as "steady-vector-3f9a".
func Generate() string {
	id := uuid.New()
	// the uuid's random bytes pick the words and the suffix
	adj := adjectives[int(id[0])%len(adjectives)]
	noun := nouns[int(id[1])%len(nouns)]
	return adj + "-" + noun + "-" + strings.ReplaceAll(id.String(), "-", "")[4:8]
}
