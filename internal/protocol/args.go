package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeArgs builds the three script arguments for a batch: the mappings as a
// JSON array of [abs, rel] pairs, the absolute target directory, and the
// options JSON string.
func EncodeArgs(mappings []PathMapping, targetDir, options string) ([]string, error) {
	if mappings == nil {
		mappings = []PathMapping{}
	}
	encoded, err := json.Marshal(mappings)
	if err != nil {
		return nil, fmt.Errorf("encode mappings: %w", err)
	}
	if options == "" {
		options = "{}"
	}
	if !json.Valid([]byte(options)) {
		return nil, fmt.Errorf("options are not valid JSON")
	}
	return []string{string(encoded), targetDir, options}, nil
}
