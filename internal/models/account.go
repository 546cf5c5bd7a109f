package models

import "time"

// BrokerKind selects the broker implementation behind an account.
type BrokerKind string

const (
	BrokerSimulated BrokerKind = "simulated"
	BrokerKite      BrokerKind = "kite"
	BrokerGateway   BrokerKind = "gateway"
)

// BrokerAccount is a user's linked broker login.
type BrokerAccount struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	BrokerID    string     `json:"broker_id"`
	Kind        BrokerKind `json:"kind"`
	ClientID    string     `json:"client_id"`
	AccessToken string     `json:"-"`
	TokenExpiry time.Time  `json:"token_expiry"`
	Connected   bool       `json:"connected"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Credentials is what Connect receives. Which fields matter depends on the broker.
type Credentials struct {
	ClientID     string
	AccessToken  string
	RequestToken string // authorization code for OAuth brokers
}
