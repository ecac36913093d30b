package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"groupsync/pkg/errs"
	"groupsync/pkg/models"
)

func TestTextEncodeDecode(t *testing.T) {
	r := NewRegistry()
	enc, err := r.Encode(ContentTypeText, "gm!")
	require.NoError(t, err)
	require.Equal(t, "xmtp.org/text:1.0", TypeString(enc.Type))

	v, err := r.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, "gm!", v)
}

func TestDecodeIgnoresMinorVersion(t *testing.T) {
	r := NewRegistry()
	enc := EncodeText("hello")
	enc.Type.VersionMinor = 3
	v, err := r.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestDecodeFailures(t *testing.T) {
	r := NewRegistry()

	_, err := r.Decode(models.EncodedContent{Type: models.ContentTypeID{AuthorityID: "example.com", TypeID: "nope", VersionMajor: 1}})
	require.True(t, errors.Is(err, errs.ErrDecode))

	bad := EncodeText("x")
	bad.Content = []byte{0xff, 0xfe}
	_, err = r.Decode(bad)
	require.True(t, errors.Is(err, errs.ErrDecode))

	_, err = r.Decode(models.EncodedContent{Type: ContentTypeGroupUpdated, Content: []byte("{")})
	require.True(t, errors.Is(err, errs.ErrDecode))
}

func TestGroupUpdated(t *testing.T) {
	r := NewRegistry()
	in := GroupUpdated{InitiatedByInboxID: "a", AddedInboxes: []string{"b", "c"}}
	enc, err := r.Encode(ContentTypeGroupUpdated, &in)
	require.NoError(t, err)
	out, err := r.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParseType(t *testing.T) {
	id, err := ParseType("xmtp.org/group_updated:1.0")
	require.NoError(t, err)
	require.Equal(t, ContentTypeGroupUpdated, id)

	for _, bad := range []string{"", "text:1.0", "xmtp.org/text", "xmtp.org/text:x.0", "xmtp.org/:1.0"} {
		_, err := ParseType(bad)
		require.Error(t, err, bad)
	}
}
