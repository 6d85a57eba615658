package models

import (
	"time"
)

// AccountType is the mailbox flavour chosen when the account was linked.
type AccountType string

const (
	AccountTypeGmail    AccountType = "gmail"
	AccountTypeOutlook  AccountType = "outlook"
	AccountTypeIMAP     AccountType = "imap"
	AccountTypeExchange AccountType = "exchange"
	AccountTypeCustom   AccountType = "custom"
)

// AccountStatus is the lifecycle flag of an account. Accounts are never hard-deleted.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusError    AccountStatus = "error"
	AccountStatusInactive AccountStatus = "inactive"
	AccountStatusSyncing  AccountStatus = "syncing"
)

// ConnectionStatus reflects whether the stored credentials currently work.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

// OAuthProvider identifies the token issuer of an OAuth-linked account.
type OAuthProvider string

const (
	OAuthGoogle    OAuthProvider = "google"
	OAuthMicrosoft OAuthProvider = "microsoft"
)

// ProviderKind is the variant every provider-specific operation is routed on.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderIMAP    ProviderKind = "imap"
)

// Security is the transport mode for IMAP/SMTP connections.
type Security string

const (
	SecurityTLS      Security = "ssl"
	SecuritySTARTTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// ServerConfig describes one IMAP or SMTP endpoint of a password-based account.
type ServerConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Security          Security `json:"security"`
	Username          string   `json:"username"`
	EncryptedPassword []byte   `json:"-"`
}

// OAuthCredential is the encrypted token bundle of an OAuth-linked account.
type OAuthCredential struct {
	Provider              OAuthProvider `json:"provider"`
	EncryptedClientSecret []byte        `json:"-"`
	EncryptedRefreshToken []byte        `json:"-"`
	EncryptedAccessToken  []byte        `json:"-"`
	ExpiresAt             *time.Time    `json:"expires_at,omitempty"`
}

// AccountStats holds aggregate counters refreshed after every ingestion batch.
type AccountStats struct {
	TotalMessages  int        `json:"total_messages"`
	UnreadMessages int        `json:"unread_messages"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Account is one connected mailbox.
type Account struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	EmailAddress     string           `json:"email_address"`
	DisplayName      string           `json:"display_name,omitempty"`
	Type             AccountType      `json:"account_type"`
	IsActive         bool             `json:"is_active"`
	Status           AccountStatus    `json:"status"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	RequiresReauth   bool             `json:"requires_reauth"`
	Incoming         *ServerConfig    `json:"incoming,omitempty"`
	Outgoing         *ServerConfig    `json:"outgoing,omitempty"`
	OAuth            *OAuthCredential `json:"oauth,omitempty"`
	SyncState        SyncState        `json:"sync_state"`
	Stats            AccountStats     `json:"stats"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ProviderKind resolves the provider variant. OAuth provider wins; accounts
// without OAuth credentials go through IMAP/SMTP whatever their type says.
func (a *Account) ProviderKind() ProviderKind {
	if a.OAuth != nil {
		switch a.OAuth.Provider {
		case OAuthGoogle:
			return ProviderGmail
		case OAuthMicrosoft:
			return ProviderOutlook
		}
	}
	return ProviderIMAP
}
