// Package types defines the core data structures for the rapport pipeline.
// These types describe accounts, contacts, the facts remembered about them,
// the messages exchanged with them and the replies drafted on their behalf.
package types

// Direction is the direction of a message relative to the account.
type Direction string

// Message direction constants
const (
	// DirectionInbound is a message received from the contact
	DirectionInbound Direction = "inbound"

	// DirectionOutbound is a message sent to the contact
	DirectionOutbound Direction = "outbound"
)

// ReplyStatus is the delivery status of an outbound reply.
type ReplyStatus string

// Outbound reply status constants
const (
	// ReplyPending indicates the reply is persisted but not yet delivered
	ReplyPending ReplyStatus = "pending"

	// ReplySent indicates every part of the reply was accepted by the transport
	ReplySent ReplyStatus = "sent"

	// ReplyFailed indicates delivery failed
	ReplyFailed ReplyStatus = "failed"
)

// IsValidReplyStatus reports whether s is a known reply status.
func IsValidReplyStatus(s ReplyStatus) bool {
	switch s {
	case ReplyPending, ReplySent, ReplyFailed:
		return true
	default:
		return false
	}
}

// Intent is a coarse classification of what an inbound message is trying to do.
type Intent string

// Intent constants
const (
	IntentBanter          Intent = "banter"
	IntentLogistics       Intent = "logistics"
	IntentScheduling      Intent = "scheduling"
	IntentQuestion        Intent = "question"
	IntentSharingInfo     Intent = "sharing_info"
	IntentBoundary        Intent = "boundary"
	IntentRefusal         Intent = "refusal"
	IntentEnthusiasm      Intent = "enthusiasm"
	IntentAcknowledgement Intent = "acknowledgement"
	IntentGreeting        Intent = "greeting"
	IntentFarewell        Intent = "farewell"
	IntentUnknown         Intent = "unknown"
)

// Sentiment is the emotional register of an inbound message.
type Sentiment string

// Sentiment constants
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentExcited  Sentiment = "excited"
	SentimentAnnoyed  Sentiment = "annoyed"
	SentimentCurious  Sentiment = "curious"
	SentimentWarm     Sentiment = "warm"
	SentimentCold     Sentiment = "cold"
)
