package brevwatch

import (
	"github.com/emersion/go-smtp"
)

type Status string

func (s Status) String() string {
	return string(s)
}

// StatusDelivered the receiving server accepted the message.
const StatusDelivered Status = "delivered"

// StatusSoftBounce the receiving server rejected the message for now, it might go through later.
const StatusSoftBounce Status = "soft_bounce"

// StatusHardBounce the receiving server will not accept the message.
const StatusHardBounce Status = "hard_bounce"

// StatusUnknown nothing conclusive has been reported by the mta yet.
const StatusUnknown Status = "unknown"

// mailboxFull is formally a permanent failure, but it tends to resolve itself once the
// recipient cleans up, so it is treated as a soft bounce.
var mailboxFull = smtp.EnhancedCode{5, 2, 2}

// Classify derives the delivery status from a dsn as found in postfix logs, eg. "4.3.0".
// An empty or malformed dsn yields StatusUnknown.
func Classify(dsn string) Status {
	code, err := ParseDSN(dsn)
	if err != nil {
		return StatusUnknown
	}
	return ClassifyCode(code)
}

func ClassifyCode(code smtp.EnhancedCode) Status {
	if code == mailboxFull {
		return StatusSoftBounce
	}
	switch code[0] {
	case 2:
		return StatusDelivered
	case 4:
		return StatusSoftBounce
	case 5:
		return StatusHardBounce
	}
	return StatusUnknown
}
