package tools

import (
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Hostname is configured if set, else the name of this machine.
func Hostname(configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "localhost"
	}
	return hostname
}

// NewMessageID returns a Message-Id header value, eg. <0b7c...@mx.example.com>.
func NewMessageID(host string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

func ValidateMessageID(messageID string) bool {
	if len(messageID) == 0 {
		return false
	}
	// a message id has the shape of an angle bracketed address
	_, err := mail.ParseAddress(messageID)
	return err == nil
}
