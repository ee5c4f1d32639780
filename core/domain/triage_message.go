package domain

import "time"

// MessageSummary is the read-only view of a mailbox message handed to the pipeline.
//
// StableID survives folder moves and is never reused; it is the dedup key.
// ProviderID is the provider's mutable handle and is only used for mutations.
type MessageSummary struct {
	ProviderID  string    `json:"provider_id"`
	StableID    string    `json:"stable_id"`
	Sender      string    `json:"sender"`
	Subject     string    `json:"subject"`
	BodyExcerpt string    `json:"body_excerpt"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Well-known folder names accepted by every mail provider.
const (
	FolderInbox     = "inbox"
	FolderDrafts    = "drafts"
	FolderSentItems = "sentitems"
)

// ValidFolder reports whether name is a supported folder.
func ValidFolder(name string) bool {
	switch name {
	case FolderInbox, FolderDrafts, FolderSentItems:
		return true
	}
	return false
}
