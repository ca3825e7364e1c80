// Package validation provides request input guards.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 40-hex-char address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}
