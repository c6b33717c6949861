package models

// ContentType identifies the kind of a content block.
type ContentType string

// Content block types.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentBlock is a single unit of message content. A message carries an
// ordered sequence of blocks; each block is either text or an image
// reference.
type ContentBlock struct {
	Type ContentType `json:"type"`
	// Text is set when Type == ContentTypeText.
	Text string `json:"text,omitempty"`
	// ImageURL is set when Type == ContentTypeImage. Data URLs are allowed.
	ImageURL string `json:"image_url,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// ImageBlock builds an image content block.
func ImageBlock(url string) ContentBlock {
	return ContentBlock{Type: ContentTypeImage, ImageURL: url}
}

// JoinText concatenates the text portions of a block sequence. Image blocks
// are skipped.
func JoinText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type != ContentTypeText || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
