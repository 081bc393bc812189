//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func openGCS(context.Context, Config) (Store, error) {
	return nil, fmt.Errorf("gcs blob storage is not enabled in this build (use -tags gcp)")
}
