// Package codec turns application values into tagged EncodedContent and back.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"groupsync/pkg/errs"
	"groupsync/pkg/models"
)

// Codec encodes one content type.
type Codec interface {
	ContentType() models.ContentTypeID
	Encode(value any) (models.EncodedContent, error)
	Decode(content models.EncodedContent) (any, error)
}

// TypeString renders a content type as "authority/type:major.minor".
func TypeString(id models.ContentTypeID) string {
	return fmt.Sprintf("%s/%s:%d.%d", id.AuthorityID, id.TypeID, id.VersionMajor, id.VersionMinor)
}

// ParseType is the inverse of TypeString.
func ParseType(s string) (models.ContentTypeID, error) {
	var id models.ContentTypeID
	slash := strings.Index(s, "/")
	colon := strings.LastIndex(s, ":")
	if slash <= 0 || colon < slash+2 {
		return id, fmt.Errorf("content type %q: %w", s, errs.ErrDecode)
	}
	major, minor, ok := strings.Cut(s[colon+1:], ".")
	if !ok {
		return id, fmt.Errorf("content type %q: %w", s, errs.ErrDecode)
	}
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return id, fmt.Errorf("content type %q: %w", s, errs.ErrDecode)
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return id, fmt.Errorf("content type %q: %w", s, errs.ErrDecode)
	}
	id.AuthorityID = s[:slash]
	id.TypeID = s[slash+1 : colon]
	id.VersionMajor = uint32(ma)
	id.VersionMinor = uint32(mi)
	return id, nil
}

// Registry maps content types to codecs. Lookups ignore the minor version.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry holding the text and group-updated codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(TextCodec{})
	r.Register(GroupUpdatedCodec{})
	return r
}

func registryKey(id models.ContentTypeID) string {
	return fmt.Sprintf("%s/%s:%d", id.AuthorityID, id.TypeID, id.VersionMajor)
}

// Register adds or replaces the codec for c's content type.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[registryKey(c.ContentType())] = c
}

// Lookup returns the codec for id.
func (r *Registry) Lookup(id models.ContentTypeID) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[registryKey(id)]
	return c, ok
}

// Encode encodes value with the codec registered for id.
func (r *Registry) Encode(id models.ContentTypeID, value any) (models.EncodedContent, error) {
	c, ok := r.Lookup(id)
	if !ok {
		return models.EncodedContent{}, fmt.Errorf("no codec for %s", TypeString(id))
	}
	return c.Encode(value)
}

// Decode decodes content with its registered codec. Unknown types and
// malformed content return ErrDecode.
func (r *Registry) Decode(content models.EncodedContent) (any, error) {
	c, ok := r.Lookup(content.Type)
	if !ok {
		return nil, fmt.Errorf("no codec for %s: %w", TypeString(content.Type), errs.ErrDecode)
	}
	v, err := c.Decode(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TypeString(content.Type), err)
	}
	return v, nil
}
