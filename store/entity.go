package store

import (
	"fmt"
	"time"
)

// Kind tags an item as a file or a folder.
type Kind uint8

const (
	// KindFile is a leaf item.
	KindFile Kind = iota + 1

	// KindFolder may contain other items.
	KindFolder
)

// ParseKind converts a wire value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "file":
		return KindFile, nil
	case "folder":
		return KindFolder, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrValidation, s)
}

// String returns the wire form of k.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFile, KindFolder:
		return true
	}
	return false
}

// CanContain reports whether items of kind k may be parents.
func (k Kind) CanContain() bool {
	switch k {
	case KindFolder:
		return true
	case KindFile:
		return false
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrValidation, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Icon is the presentational icon tag of an item.
type Icon uint8

const (
	IconFileText Icon = iota + 1
	IconFolder
	IconImage
	IconVideo
	IconMusic
	IconCode
	IconArchive
)

var iconNames = [...]string{
	IconFileText: "file-text",
	IconFolder:   "folder",
	IconImage:    "image",
	IconVideo:    "video",
	IconMusic:    "music",
	IconCode:     "code",
	IconArchive:  "archive",
}

// iconAliases holds the PascalCase spellings some clients send.
var iconAliases = map[string]Icon{
	"FileText": IconFileText,
	"Folder":   IconFolder,
	"Image":    IconImage,
	"Video":    IconVideo,
	"Music":    IconMusic,
	"Code":     IconCode,
	"Archive":  IconArchive,
}

// ParseIcon converts a wire value into an Icon. Both "file-text" and
// "FileText" spellings are accepted.
func ParseIcon(s string) (Icon, error) {
	for i := IconFileText; i <= IconArchive; i++ {
		if iconNames[i] == s {
			return i, nil
		}
	}
	if i, ok := iconAliases[s]; ok {
		return i, nil
	}
	return 0, fmt.Errorf("%w: unknown icon %q", ErrValidation, s)
}

// Valid reports whether i is one of the defined icons.
func (i Icon) Valid() bool {
	return i >= IconFileText && i <= IconArchive
}

// String returns the canonical wire form of i.
func (i Icon) String() string {
	if !i.Valid() {
		return fmt.Sprintf("Icon(%d)", uint8(i))
	}
	return iconNames[i]
}

// MarshalText implements encoding.TextMarshaler.
func (i Icon) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("%w: invalid icon %d", ErrValidation, uint8(i))
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Icon) UnmarshalText(b []byte) error {
	v, err := ParseIcon(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Item is a file or folder in the forest.
type Item struct {
	// ID is assigned on creation and never reused.
	ID int64 `json:"id"`

	// Name is the non-empty display label.
	Name string `json:"name"`

	// Kind is file or folder. Only folders appear as ParentID.
	Kind Kind `json:"kind"`

	// Icon is presentational only.
	Icon Icon `json:"icon"`

	// ParentID is the containing folder, nil for the root scope.
	ParentID *int64 `json:"parentId"`

	// Position is the zero-based ordinal among siblings.
	Position int `json:"position"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	if it.ParentID != nil {
		p := *it.ParentID
		it.ParentID = &p
	}
	return it
}

// Draft carries the caller-supplied fields of a new item.
type Draft struct {
	Name string
	Kind Kind
	Icon Icon
}

// ParentRef copies a parent id so callers never alias each other's pointers.
func ParentRef(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Ref returns a pointer to id, for building parent references inline.
func Ref(id int64) *int64 {
	return &id
}
