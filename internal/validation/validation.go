// Package validation provides request input validation for the oracle API.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// txHashRegex validates transaction hashes
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks if a string is a valid 32-byte transaction hash
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}
