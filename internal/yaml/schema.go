package yaml

import (
	"errors"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

const SchemaVersion = 1

// FileType names a state file patchd owns.
type FileType string

const (
	FileTypeStatusSnapshot  FileType = "status_snapshot"
	FileTypeNormalizeReport FileType = "normalize_report"
)

var ErrSchema = errors.New("schema header")

// SchemaHeader leads every state file patchd writes itself.
type SchemaHeader struct {
	SchemaVersion int      `yaml:"schema_version" json:"schema_version"`
	FileType      FileType `yaml:"file_type" json:"file_type"`
}

func NewHeader(ft FileType) SchemaHeader {
	return SchemaHeader{SchemaVersion: SchemaVersion, FileType: ft}
}

// CheckHeader verifies the header of YAML or JSON content against want.
// Failures wrap ErrSchema.
func CheckHeader(content []byte, want FileType) error {
	var h SchemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("%w: schema_version %d is not set", ErrSchema, h.SchemaVersion)
	case h.SchemaVersion > SchemaVersion:
		return fmt.Errorf("%w: schema_version %d is newer than %d", ErrSchema, h.SchemaVersion, SchemaVersion)
	case h.FileType != want:
		return fmt.Errorf("%w: file_type %q, want %q", ErrSchema, h.FileType, want)
	}
	return nil
}
