package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"

	"github.com/mailsweep/mailsweep/model"
)

var ErrEmptyMessage = errors.New("message is empty")

// Parse reads a raw RFC 5322 message and extracts the envelope headers
// plus every part that carries a content disposition and a declared
// filename. Multipart container parts and undeclared parts are skipped.
func Parse(raw []byte) (model.Message, error) {
	if len(raw) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return model.Message{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	msg := model.Message{
		From:    mr.Header.Get("From"),
		Subject: mr.Header.Get("Subject"),
		Date:    mr.Header.Get("Date"),
		Raw:     raw,
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part does not invalidate what was already
			// extracted; the message itself stays usable.
			break
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil || filename == "" {
				continue
			}
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, model.Attachment{
				Filename: filename,
				Data:     data,
			})
		case *mail.InlineHeader:
			// Inline parts are persisted only when the sender declared
			// a disposition filename for them.
			disp, params, err := h.ContentDisposition()
			if err != nil || disp == "" {
				continue
			}
			filename := params["filename"]
			if filename == "" {
				continue
			}
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, model.Attachment{
				Filename: filename,
				Data:     data,
				Inline:   true,
			})
		}
	}

	return msg, nil
}
