// internal/types/ids.go
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type ThreadID string
type InteractionID string
type ActionID string
type CodeBlockID string
type ConfirmationID string
type ArtifactID string
type RecordID string

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

// IsNew reports whether the id is empty, which selects the start-thread path.
func (id ThreadID) IsNew() bool {
	return id == ""
}

// CheckPathSafe returns an error if the id cannot be used as a single file
// path element.
func (id ThreadID) CheckPathSafe() error {
	v := string(id)
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("invalid thread id %q", v)
	}
	return nil
}
