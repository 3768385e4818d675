package store

// ItemType classifies a profile item.
type ItemType string

const (
	// ItemLocal is a full proxy config stored on disk.
	ItemLocal ItemType = "local"
	// ItemRemote is a full proxy config fetched from a subscription URL.
	ItemRemote ItemType = "remote"
	// ItemMerge is a YAML fragment merged into the current profile.
	ItemMerge ItemType = "merge"
	// ItemScript is a JavaScript transform applied to the current profile.
	ItemScript ItemType = "script"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemLocal, ItemRemote, ItemMerge, ItemScript:
		return true
	}
	return false
}

// IsProfile reports whether items of this type can be selected as the
// current profile.
func (t ItemType) IsProfile() bool {
	return t == ItemLocal || t == ItemRemote
}

// IsEnhancement reports whether items of this type can appear in a chain.
func (t ItemType) IsEnhancement() bool {
	return t == ItemMerge || t == ItemScript
}

// Item describes one profile item. File is relative to the profiles dir.
type Item struct {
	UID         string
	Type        ItemType
	Name        string
	File        string
	Description string
	URL         string
	Options     map[string]string
	CreatedAt   string
	UpdatedAt   string
}

const metaCurrentKey = "current"
