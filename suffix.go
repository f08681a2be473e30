package covdata

import (
	"fmt"
	"os"
	"strings"

	"github.com/egdaemon/covdata/internal/errorsx"
	"github.com/egdaemon/covdata/internal/stringsx"
	"github.com/gofrs/uuid"
)

// generateSuffix builds a distinguishing suffix for parallel mode
// containers from the hostname, the pid, and a random token, so sibling
// processes never collide on one container.
func generateSuffix() string {
	var (
		host  = stringsx.DefaultIfBlank(errorsx.Zero(os.Hostname()), "localhost")
		token = strings.SplitN(uuid.Must(uuid.NewV4()).String(), "-", 2)[0]
	)

	return fmt.Sprintf("%s.%d.%s", host, os.Getpid(), token)
}
