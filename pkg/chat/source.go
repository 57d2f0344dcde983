package chat

import "fmt"

// SourceType mirrors the element types the retrieval backend attaches
// to citations.
type SourceType string

const (
	SourceTypeText  SourceType = "text"
	SourceTypeImage SourceType = "image"
	SourceTypeTable SourceType = "table"
)

// Source is a single citation attached to a bot message. The backend
// may repeat the same citation across retrieval chunks, so identity is
// the (file_path ?? file_name, page_number) composite key rather than
// object identity.
type Source struct {
	FileName   string     `json:"file_name"`
	FilePath   string     `json:"file_path,omitempty"`
	Type       SourceType `json:"type"`
	PageNumber *int       `json:"page_number,omitempty"`
	ImagePath  string     `json:"image_path,omitempty"`
	Content    string     `json:"content,omitempty"`
}

// Key returns the dedup key for this source.
func (s Source) Key() string {
	name := s.FilePath
	if name == "" {
		name = s.FileName
	}
	page := -1
	if s.PageNumber != nil {
		page = *s.PageNumber
	}
	return fmt.Sprintf("%s#%d", name, page)
}

// DedupSources drops citations whose key was already seen, keeping the
// first occurrence and the original order.
func DedupSources(sources []Source) []Source {
	seen := map[string]struct{}{}
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		k := s.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}
