package codec

import (
	"encoding/json"
	"fmt"

	"groupsync/pkg/errs"
	"groupsync/pkg/models"
)

// ContentTypeGroupUpdated carries membership and metadata changes as system messages.
var ContentTypeGroupUpdated = models.ContentTypeID{
	AuthorityID:  "xmtp.org",
	TypeID:       "group_updated",
	VersionMajor: 1,
	VersionMinor: 0,
}

// MetadataChange is one attribute edit.
type MetadataChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value"`
}

// GroupUpdated describes what a membership or metadata commit changed.
type GroupUpdated struct {
	InitiatedByInboxID string           `json:"initiated_by_inbox_id"`
	AddedInboxes       []string         `json:"added_inboxes,omitempty"`
	RemovedInboxes     []string         `json:"removed_inboxes,omitempty"`
	MetadataChanges    []MetadataChange `json:"metadata_changes,omitempty"`
}

// GroupUpdatedCodec encodes GroupUpdated values.
type GroupUpdatedCodec struct{}

func (GroupUpdatedCodec) ContentType() models.ContentTypeID { return ContentTypeGroupUpdated }

func (GroupUpdatedCodec) Encode(value any) (models.EncodedContent, error) {
	var gu GroupUpdated
	switch v := value.(type) {
	case GroupUpdated:
		gu = v
	case *GroupUpdated:
		gu = *v
	default:
		return models.EncodedContent{}, fmt.Errorf("group_updated codec: unsupported value %T", value)
	}
	b, err := json.Marshal(gu)
	if err != nil {
		return models.EncodedContent{}, err
	}
	return models.EncodedContent{Type: ContentTypeGroupUpdated, Content: b}, nil
}

func (GroupUpdatedCodec) Decode(content models.EncodedContent) (any, error) {
	var gu GroupUpdated
	if err := json.Unmarshal(content.Content, &gu); err != nil {
		return nil, fmt.Errorf("group_updated codec: %v: %w", err, errs.ErrDecode)
	}
	return gu, nil
}
