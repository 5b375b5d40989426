// Package sniper defines core types shared across subsystems.
package sniper

import (
	"time"
)

// AccountStatus represents the lifecycle state of a chat-network account.
type AccountStatus string

// Account status values persisted in the account store.
const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusRunning   AccountStatus = "running"
	AccountStatusBanned    AccountStatus = "banned"
	AccountStatusSuspended AccountStatus = "suspended"
)

// Account holds the identity and session assignment of one network account.
type Account struct {
	ID            int64         `json:"id"`
	NetworkID     int64         `json:"network_id"`
	Phone         string        `json:"phone"`
	Username      string        `json:"username"`
	APIID         string        `json:"api_id"`
	APIHash       string        `json:"api_hash"`
	Status        AccountStatus `json:"status"`
	Endpoint      string        `json:"endpoint,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// EndpointType distinguishes proxy endpoint classes.
type EndpointType string

// Endpoint types supported by the allocator.
const (
	EndpointDatacenter  EndpointType = "datacenter"
	EndpointResidential EndpointType = "residential"
)

// Endpoint is one proxy egress point accounts can be attached to.
type Endpoint struct {
	IP       string       `json:"ip"`
	Port     int          `json:"port"`
	Username string       `json:"username,omitempty"`
	Password string       `json:"password,omitempty"`
	Type     EndpointType `json:"type"`
	Region   string       `json:"region,omitempty"`
	Expiry   time.Time    `json:"expiry"`
}

// Addr returns the host:port form used as the endpoint's identity.
func (e Endpoint) Addr() string {
	if e.IP == "" {
		return ""
	}
	return joinHostPort(e.IP, e.Port)
}

// InboundMessage is one normalized content message captured from a chat.
// Natural key is (ChatID, MessageID); inserts must be idempotent on it.
type InboundMessage struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	SenderID  int64     `json:"sender_id,omitempty"`
	ReplyTo   int64     `json:"reply_to,omitempty"`
	TopicID   int64     `json:"topic_id,omitempty"`
	Text      string    `json:"text"`
	Buttons   []string  `json:"buttons,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// HasContent reports whether the message carries anything worth persisting.
func (m InboundMessage) HasContent() bool {
	return m.Text != "" || len(m.Buttons) > 0
}

// ChatStatus is the lifecycle state of a watched community.
type ChatStatus string

// Chat status values. BLOCKED is terminal and only set by external moderation.
const (
	ChatStatusEvaluating ChatStatus = "EVALUATING"
	ChatStatusActive     ChatStatus = "ACTIVE"
	ChatStatusLowQuality ChatStatus = "LOW_QUALITY"
	ChatStatusBlocked    ChatStatus = "BLOCKED"
)

// QualityReport is one AI (or synthetic) quality judgment for a chat.
type QualityReport struct {
	Score       float64   `json:"score"`
	Reason      string    `json:"reason"`
	ProcessedAt time.Time `json:"processed_at"`
}

// EntityType classifies the community's extracted entity.
type EntityType string

// Entity types. Unknown descriptors are re-extracted every cycle.
const (
	EntityMemecoin EntityType = "memecoin"
	EntityOther    EntityType = "other"
	EntityUnknown  EntityType = "unknown"
)

// EntityDescriptor is the AI-extracted identity of whatever a community is
// organized around. Fields are pointers so a missing value is distinguishable
// from an empty one during merges.
type EntityDescriptor struct {
	Type    EntityType `json:"type"`
	Name    *string    `json:"name,omitempty"`
	Chain   *string    `json:"chain,omitempty"`
	Address *string    `json:"address,omitempty"`
	Website *string    `json:"website,omitempty"`
	Twitter *string    `json:"twitter,omitempty"`
}

// ChatMetadata is the persistent per-community record owned by the lifecycle
// engine. Reports holds at most MaxQualityReports entries, newest last.
type ChatMetadata struct {
	ChatID           int64             `json:"chat_id"`
	Name             string            `json:"name"`
	Username         string            `json:"username,omitempty"`
	About            string            `json:"about,omitempty"`
	Category         string            `json:"category,omitempty"`
	ParticipantCount int               `json:"participant_count"`
	Status           ChatStatus        `json:"status"`
	Entity           *EntityDescriptor `json:"entity,omitempty"`
	Reports          []QualityReport   `json:"reports,omitempty"`
	EvaluatedAt      time.Time         `json:"evaluated_at"`
}

// LatestReport returns the newest quality report, or false if none exist.
func (c ChatMetadata) LatestReport() (QualityReport, bool) {
	if len(c.Reports) == 0 {
		return QualityReport{}, false
	}
	return c.Reports[len(c.Reports)-1], true
}

// ChatContext is the gathered evaluation input for one community. Any field
// may be empty when its source failed; partial context is acceptable.
type ChatContext struct {
	About          string
	Pinned         []string
	RecentMessages []InboundMessage
}

// TransitionEvent is published when a chat changes status or its entity
// descriptor becomes finalized.
type TransitionEvent struct {
	ChatID     int64      `json:"chat_id"`
	From       ChatStatus `json:"from"`
	To         ChatStatus `json:"to"`
	Finalized  bool       `json:"entity_finalized,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// MaxQualityReports bounds the per-chat report window.
const MaxQualityReports = 5
