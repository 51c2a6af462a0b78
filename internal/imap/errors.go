package imap

import (
	"fmt"

	"github.com/infodancer/mailgw/internal/mailerr"
)

// Status is one of the three IMAP response statuses.
type Status string

const (
	StatusOK  Status = "OK"
	StatusNO  Status = "NO"
	StatusBAD Status = "BAD"
)

// MapError turns a mailerr-classified error (or any error) into the
// wire status and response text the dispatcher should send for a
// failed command, per the error-kind table.
func MapError(err error) (status Status, text string) {
	if err == nil {
		return StatusOK, "completed"
	}
	switch mailerr.Of(err) {
	case mailerr.KindAuthFailed:
		return StatusNO, "LOGIN wrong username or password"
	case mailerr.KindPermission:
		return StatusNO, "[PRIVACYREQUIRED] insufficient privileges"
	case mailerr.KindNotFound:
		return StatusNO, "not found"
	case mailerr.KindAlreadyExists:
		return StatusNO, "already exists"
	case mailerr.KindNotSupported:
		return StatusNO, "method not supported"
	case mailerr.KindReadOnly:
		return StatusNO, "mailbox selected read-only"
	case mailerr.KindQuotaExceeded:
		return StatusNO, "quota exceeded"
	case mailerr.KindInvalidArgument:
		return StatusBAD, fmt.Sprintf("invalid argument: %v", err)
	case mailerr.KindUnavailable:
		return StatusNO, "temporarily unavailable"
	default:
		return StatusNO, err.Error()
	}
}

// TryCreateHint reports whether a NOT_FOUND error on APPEND/COPY should
// carry the [TRYCREATE] response code, per §7.
func TryCreateHint(err error) bool {
	return mailerr.Is(err, mailerr.KindNotFound)
}
