package remoteclient

import (
	"github.com/mfrisbey/rqtree/internal/overlaytypes"
)

// StatusError is an alias for overlaytypes.RemoteStatusError so callers can
// construct one without importing overlaytypes directly.
type StatusError = overlaytypes.RemoteStatusError

// ClassifyStatus maps an HTTP status code to a sentinel error, reusing the
// overlaytypes taxonomy shared with the rest of the tree.
func ClassifyStatus(code int) error {
	return overlaytypes.ClassifyStatus(code)
}

// IsRetryableStatus reports whether a status code warrants a retry.
func IsRetryableStatus(code int) bool {
	return overlaytypes.IsRetryableStatus(code)
}
