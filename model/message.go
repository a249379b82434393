package model

// InboundMessage is a fetched mailbox message after extraction. It is built
// once by the extractor and never modified afterwards.
type InboundMessage struct {
	UID           uint32
	SenderDisplay string
	SenderAddress string
	Subject       string
	Date          string
	Body          string
	// AuthResults holds the Authentication-Results headers in header order,
	// topmost first.
	AuthResults []string
	Attachments []AttachmentRef
}

// AttachmentRef points at an attachment that passed type and size policy and
// was written to the staging directory.
type AttachmentRef struct {
	Name      string
	Path      string
	SizeBytes int64
}

// SkipReason classifies why an attachment was not staged.
type SkipReason string

const (
	SkipDisallowedType SkipReason = "disallowed type"
	SkipTooLarge       SkipReason = "too large"
	SkipUnreadable     SkipReason = "unreadable"
)

// SkippedAttachment records an attachment rejected by policy.
type SkippedAttachment struct {
	Filename  string
	Extension string
	SizeBytes int64
	Reason    SkipReason
}

// Cursor is the persisted resume point of the poller. An empty Generation
// means no UIDVALIDITY has been recorded yet.
type Cursor struct {
	LastSeenUID uint32
	Generation  string
}
