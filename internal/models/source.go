package models

// SourceKind discriminates the three generation inputs.
type SourceKind string

const (
	SourceTopic    SourceKind = "topic"
	SourceDocument SourceKind = "document"
	SourceImage    SourceKind = "image"
)

// SourceInput is the tagged union consumed by the generation client's prompt
// builder. Exactly one variant's fields are meaningful, selected by Kind.
type SourceInput struct {
	Kind SourceKind

	// SourceTopic
	Topic string

	// SourceDocument
	Content      string
	Instructions string

	// SourceImage (Instructions shared with SourceDocument)
	Image *ImageData
}

func TopicInput(topic string) SourceInput {
	return SourceInput{Kind: SourceTopic, Topic: topic}
}

func DocumentInput(content, instructions string) SourceInput {
	return SourceInput{Kind: SourceDocument, Content: content, Instructions: instructions}
}

func ImageInput(data []byte, mimeType, instructions string) SourceInput {
	return SourceInput{
		Kind:         SourceImage,
		Instructions: instructions,
		Image:        &ImageData{Data: data, MIMEType: mimeType},
	}
}
