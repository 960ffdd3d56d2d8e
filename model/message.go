package model

// Message represents one fetched mailbox message. It lives for a single
// pipeline iteration: materialized on fetch, consumed during persist and
// attachment extraction, discarded after archiving.
type Message struct {
	From    string
	Subject string
	Date    string
	Raw     []byte

	Attachments []Attachment
}

// Attachment is one message part carrying a content disposition and a
// sender-declared filename. The filename is untrusted input.
type Attachment struct {
	Filename string
	Data     []byte
	Inline   bool
}
