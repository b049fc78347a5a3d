package jsonapi

// DocumentBuilder provides a fluent API for building Document objects.
type DocumentBuilder struct {
	doc Document
}

// NewDocument creates a new DocumentBuilder.
func NewDocument() *DocumentBuilder {
	return &DocumentBuilder{}
}

// Data sets the primary data of the document.
func (b *DocumentBuilder) Data(data any) *DocumentBuilder {
	b.doc.Data = data
	return b
}

// DataCollection sets a collection of resources as the primary data.
// A nil slice is rendered as an empty array.
func (b *DocumentBuilder) DataCollection(resources []Resource) *DocumentBuilder {
	if resources == nil {
		resources = []Resource{}
	}
	b.doc.Data = resources
	return b
}

// Errors sets the errors array. This is mutually exclusive with Data.
func (b *DocumentBuilder) Errors(errors ...Error) *DocumentBuilder {
	b.doc.Errors = errors
	b.doc.Data = nil
	return b
}

// Meta adds a metadata entry to the document.
func (b *DocumentBuilder) Meta(key string, value any) *DocumentBuilder {
	if b.doc.Meta == nil {
		b.doc.Meta = make(Meta)
	}
	b.doc.Meta[key] = value
	return b
}

// Self sets the top-level self link.
func (b *DocumentBuilder) Self(url string) *DocumentBuilder {
	b.doc.Links = &Links{Self: url}
	return b
}

// Build returns the constructed Document.
func (b *DocumentBuilder) Build() Document {
	return b.doc
}

// ResourceBuilder provides a fluent API for building Resource objects.
type ResourceBuilder struct {
	r Resource
}

// NewResource creates a new ResourceBuilder.
func NewResource(resourceType, id string) *ResourceBuilder {
	return &ResourceBuilder{r: Resource{Type: resourceType, ID: id, Attributes: make(map[string]any)}}
}

// Attr sets one attribute.
func (b *ResourceBuilder) Attr(key string, value any) *ResourceBuilder {
	b.r.Attributes[key] = value
	return b
}

// AttrIf sets an attribute only when cond is true.
func (b *ResourceBuilder) AttrIf(cond bool, key string, value any) *ResourceBuilder {
	if cond {
		b.r.Attributes[key] = value
	}
	return b
}

// Meta adds a resource-level metadata entry.
func (b *ResourceBuilder) Meta(key string, value any) *ResourceBuilder {
	if b.r.Meta == nil {
		b.r.Meta = make(Meta)
	}
	b.r.Meta[key] = value
	return b
}

// Link sets the resource self link.
func (b *ResourceBuilder) Link(self string) *ResourceBuilder {
	b.r.Links = &Links{Self: self}
	return b
}

// Build returns the constructed Resource.
func (b *ResourceBuilder) Build() Resource {
	return b.r
}
