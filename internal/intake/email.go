package intake

import (
	"bytes"
	"strings"

	"github.com/jhillyerd/enmime"
)

// Attachment is one price-list candidate pulled out of a raw email.
type Attachment struct {
	FileName string
	Content  []byte
}

var attachmentExts = []string{".xlsx", ".xls", ".csv", ".pdf", ".html", ".htm"}

// PriceListAttachments reads a raw RFC 822 message and returns every
// attachment that looks like a price list, in message order. Inline parts
// with a filename count too, since many mail clients attach spreadsheets
// inline.
func PriceListAttachments(raw []byte) ([]Attachment, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	var out []Attachment
	for _, part := range append(env.Attachments, env.Inlines...) {
		name := strings.TrimSpace(part.FileName)
		if name == "" || !isPriceListName(name) {
			continue
		}
		if len(part.Content) == 0 {
			continue
		}
		out = append(out, Attachment{FileName: name, Content: part.Content})
	}
	return out, nil
}

func isPriceListName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range attachmentExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Subject extracts the message subject, for logging uploads by mail.
func Subject(raw []byte) string {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return env.GetHeader("Subject")
}
