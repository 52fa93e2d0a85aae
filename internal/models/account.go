package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Account is one outbound sending identity. Values are treated as
// immutable once handed to a transport.
type Account struct {
	ID          string `json:"id" yaml:"id"`
	Address     string `json:"email" yaml:"email"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Secure      bool   `json:"secure" yaml:"secure"`
	DisplayName string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Login returns the SMTP auth username, defaulting to the address.
func (a Account) Login() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Address
}

// Redacted returns a copy without credentials.
func (a Account) Redacted() Account {
	a.Password = ""
	return a
}

func (a Account) Identity() SenderIdentity {
	return SenderIdentity{AccountID: a.ID, Address: a.Address, Name: a.DisplayName}
}

// Fingerprint changes whenever a field that affects the connection or the
// From header changes.
func (a Account) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%d\x00%t\x00%s",
		a.ID, a.Address, a.Username, a.Password, a.Host, a.Port, a.Secure, a.DisplayName)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
