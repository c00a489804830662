//go:build !cgo

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
)

var errNoCGO = fmt.Errorf("dolt: this binary was built without CGO support; rebuild with CGO_ENABLED=1")

// openEmbeddedDolt returns an error in non-CGO builds. Use the mysql driver
// against a dolt sql-server instead.
func openEmbeddedDolt(_ context.Context, _ Config) (*sql.DB, io.Closer, error) {
	return nil, nil, fmt.Errorf("embedded mode requires CGO: %w\n\nTo use Dolt without CGO, run a dolt sql-server and set database.driver=mysql", errNoCGO)
}
