package model

import "time"

// Channel identifies where an ingestion record came from.
type Channel string

const (
	ChannelMail   Channel = "mail"
	ChannelChat   Channel = "chat"
	ChannelManual Channel = "manual"
	ChannelAPI    Channel = "api"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMail, ChannelChat, ChannelManual, ChannelAPI:
		return true
	}
	return false
}

// ProcessingStatus represents the pipeline state of an ingestion record.
type ProcessingStatus string

const (
	ProcessingQueued     ProcessingStatus = "queued"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Attachment references a retrieved attachment on an ingestion record.
// Retrieval itself belongs to the connectors; the core only stores the
// reference.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// IngestionRecord is one observed unit of raw communication. Records are
// append-only evidence: they are created on arrival, mutated only by the
// pipeline that claims them, and never deleted.
type IngestionRecord struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	Channel     Channel          `json:"channel"`
	ExternalID  string           `json:"external_id"`
	Payload     map[string]any   `json:"payload"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Sender      string           `json:"sender,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
	Status      ProcessingStatus `json:"status"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
