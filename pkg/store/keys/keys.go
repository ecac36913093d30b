package keys

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// notation dictionary for key formats:
	// c = conversation
	// m = message
	// x = index
	// i = installation
	// segments are separated by ":"; <...> is a variable segment

	ConversationKey  = "c:%s"        // c:<conversation_id>
	MessageKey       = "c:%s:m:%0*d" // c:<conversation_id>:m:<position>
	MessagePrefix    = "c:%s:m:"     // c:<conversation_id>:m:
	CursorKey        = "c:%s:cursor" // c:<conversation_id>:cursor
	DirectoryKey     = "x:c:%s"      // x:c:<conversation_id>
	DirectoryPrefix  = "x:c:"
	InstallationKey  = "i:%s" // i:<installation_id>
	InstallationPref = "i:"
	PositionPadWidth = 20 // fixed for lexicographic ordering
)

// ValidateID rejects ids that would break key parsing.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.ContainsAny(id, ": \t\n") {
		return fmt.Errorf("id %q contains a reserved character", id)
	}
	return nil
}

func GenConversationKey(id string) string { return fmt.Sprintf(ConversationKey, id) }

func GenMessageKey(id string, position uint64) string {
	return fmt.Sprintf(MessageKey, id, PositionPadWidth, position)
}

func GenMessagePrefix(id string) string { return fmt.Sprintf(MessagePrefix, id) }

func GenCursorKey(id string) string { return fmt.Sprintf(CursorKey, id) }

func GenDirectoryKey(id string) string { return fmt.Sprintf(DirectoryKey, id) }

func GenInstallationKey(installationID string) string {
	return fmt.Sprintf(InstallationKey, installationID)
}

// ParseMessageKey splits c:<id>:m:<position>.
func ParseMessageKey(key string) (string, uint64, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "c" || parts[2] != "m" {
		return "", 0, fmt.Errorf("invalid message key: %s", key)
	}
	pos, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid message position in %s: %w", key, err)
	}
	return parts[1], pos, nil
}

// ParseDirectoryKey returns the conversation id of an index key.
func ParseDirectoryKey(key string) (string, error) {
	id, ok := strings.CutPrefix(key, DirectoryPrefix)
	if !ok || ValidateID(id) != nil {
		return "", fmt.Errorf("invalid directory key: %s", key)
	}
	return id, nil
}
