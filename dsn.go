package brevwatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-smtp"
)

var ErrMalformedDSN = errors.New("malformed dsn")

// ParseDSN parses the class.subject.detail form of an enhanced status code. Each part
// must be one to three digits.
func ParseDSN(dsn string) (smtp.EnhancedCode, error) {
	parts := strings.Split(strings.TrimSpace(dsn), ".")
	if len(parts) != 3 {
		return smtp.NoEnhancedCode, fmt.Errorf("%w: %q", ErrMalformedDSN, dsn)
	}

	var code smtp.EnhancedCode
	for i, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return smtp.NoEnhancedCode, fmt.Errorf("%w: %q", ErrMalformedDSN, dsn)
		}
		if strings.Trim(p, "0123456789") != "" {
			return smtp.NoEnhancedCode, fmt.Errorf("%w: %q", ErrMalformedDSN, dsn)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return smtp.NoEnhancedCode, fmt.Errorf("%w: %q, %v", ErrMalformedDSN, dsn, err)
		}
		code[i] = n
	}
	return code, nil
}
