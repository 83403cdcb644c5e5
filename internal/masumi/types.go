package masumi

import (
	"fmt"
	"strings"
)

// Network selects which Cardano network the payment service settles on.
type Network string

const (
	NetworkPreprod Network = "Preprod"
	NetworkMainnet Network = "Mainnet"
)

// ParseNetwork maps a case-insensitive network name to a Network. An empty
// value selects Preprod.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "preprod":
		return NetworkPreprod, nil
	case "mainnet":
		return NetworkMainnet, nil
	default:
		return "", fmt.Errorf("masumi: unsupported network %q", raw)
	}
}

// OnChainState is the lifecycle value of a payment as reported by the
// payment service. Values outside the known set are kept verbatim.
type OnChainState string

const (
	StateWaitingForExternalAction OnChainState = "WaitingForExternalAction"
	StateFundsLocked              OnChainState = "FundsLocked"
	StateResultSubmitted          OnChainState = "ResultSubmitted"
	StateWithdrawn                OnChainState = "Withdrawn"
	StateRefundWithdrawn          OnChainState = "RefundWithdrawn"
)

// Known reports whether s is one of the documented lifecycle states.
func (s OnChainState) Known() bool {
	switch s {
	case StateWaitingForExternalAction, StateFundsLocked, StateResultSubmitted, StateWithdrawn, StateRefundWithdrawn:
		return true
	default:
		return false
	}
}

// PaymentInput is what callers supply to CreatePayment. The network is taken
// from the client configuration.
type PaymentInput struct {
	AgentIdentifier string
	// IdentifierFromPurchaser must be unique per payment attempt.
	IdentifierFromPurchaser string
	InputData               map[string]any
}

// PaymentRequest is the body posted to the payment creation endpoint.
type PaymentRequest struct {
	AgentIdentifier         string         `json:"agentIdentifier"`
	Network                 Network        `json:"network"`
	IdentifierFromPurchaser string         `json:"identifierFromPurchaser"`
	InputData               map[string]any `json:"inputData"`
}

// PaymentRecord is returned when a payment hold is created. The
// BlockchainIdentifier is the durable handle for every later call; callers
// must persist it if they want to resume polling after a restart.
type PaymentRecord struct {
	BlockchainIdentifier string       `json:"blockchainIdentifier"`
	PayByTime            string       `json:"payByTime"`
	OnChainState         OnChainState `json:"onChainState"`
	InputHash            string       `json:"inputHash"`
}

// PaymentStatus is a snapshot returned by one status poll.
type PaymentStatus struct {
	BlockchainIdentifier string       `json:"blockchainIdentifier"`
	OnChainState         OnChainState `json:"onChainState"`
	Network              Network      `json:"network"`
	PayByTime            *string      `json:"payByTime,omitempty"`
	ResultHash           *string      `json:"resultHash,omitempty"`
	InputHash            string       `json:"inputHash"`
}

// SubmitResultRequest is the body posted to the result submission endpoint.
type SubmitResultRequest struct {
	BlockchainIdentifier string  `json:"blockchainIdentifier"`
	Network              Network `json:"network"`
	ResultHash           string  `json:"resultHash"`
}
