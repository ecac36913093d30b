package codec

import (
	"fmt"
	"unicode/utf8"

	"groupsync/pkg/errs"
	"groupsync/pkg/models"
)

// ContentTypeText is plain UTF-8 text.
var ContentTypeText = models.ContentTypeID{
	AuthorityID:  "xmtp.org",
	TypeID:       "text",
	VersionMajor: 1,
	VersionMinor: 0,
}

// TextCodec encodes strings.
type TextCodec struct{}

func (TextCodec) ContentType() models.ContentTypeID { return ContentTypeText }

func (TextCodec) Encode(value any) (models.EncodedContent, error) {
	s, ok := value.(string)
	if !ok {
		return models.EncodedContent{}, fmt.Errorf("text codec: unsupported value %T", value)
	}
	return models.EncodedContent{
		Type:       ContentTypeText,
		Parameters: map[string]string{"encoding": "UTF-8"},
		Content:    []byte(s),
	}, nil
}

func (TextCodec) Decode(content models.EncodedContent) (any, error) {
	if enc := content.Parameters["encoding"]; enc != "" && enc != "UTF-8" {
		return nil, fmt.Errorf("text codec: unsupported encoding %q: %w", enc, errs.ErrDecode)
	}
	if !utf8.Valid(content.Content) {
		return nil, fmt.Errorf("text codec: invalid utf-8: %w", errs.ErrDecode)
	}
	return string(content.Content), nil
}

// EncodeText builds a text message payload.
func EncodeText(s string) models.EncodedContent {
	c, _ := TextCodec{}.Encode(s)
	return c
}
